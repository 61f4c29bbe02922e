package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tender-intel/internal/intake"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/pipeline"
)

var (
	batchDir   string
	batchLimit int
)

var batchCmd = &cobra.Command{
	Use:   "batch [files...]",
	Short: "Run the pipeline for many request files concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		files, err := requestFiles(args, batchDir)
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(files) > batchLimit {
			files = files[:batchLimit]
		}

		reqs := make([]pipeline.RunRequest, 0, len(files))
		for _, f := range files {
			req, err := loadRequest(f)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = processBatch(ctx, reqs, cfg.Batch.MaxConcurrentRuns, env.Pipeline)
		return err
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchDir, "dir", "", "directory of run request files")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of requests to process")
	rootCmd.AddCommand(batchCmd)
}

// batchSummary counts run outcomes of one batch.
type batchSummary struct {
	Succeeded int64
	Partial   int64
	Failed    int64
}

// processBatch runs requests with at most concurrency in flight. A failed
// run does not stop the batch.
func processBatch(ctx context.Context, reqs []pipeline.RunRequest, concurrency int, runner intake.Runner) (batchSummary, error) {
	var summary batchSummary
	if len(reqs) == 0 {
		zap.L().Info("no run requests found")
		return summary, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("requests", len(reqs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, partial, failed atomic.Int64
	for _, req := range reqs {
		g.Go(func() error {
			log := zap.L().With(zap.String("tenant_id", req.TenantID), zap.String("run_id", req.RunID))

			result, err := runner.Run(gctx, req)
			if err != nil {
				failed.Add(1)
				log.Error("run failed", zap.Error(err))
				return nil
			}
			if result.Status == model.RunStatusPartial {
				partial.Add(1)
			} else {
				succeeded.Add(1)
			}
			log.Info("run complete", zap.String("status", string(result.Status)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, eris.Wrap(err, "batch processing")
	}

	summary = batchSummary{Succeeded: succeeded.Load(), Partial: partial.Load(), Failed: failed.Load()}
	zap.L().Info("batch complete",
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("partial", summary.Partial),
		zap.Int64("failed", summary.Failed),
	)
	return summary, nil
}
