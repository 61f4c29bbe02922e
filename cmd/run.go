package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/intake"
	"github.com/sells-group/tender-intel/internal/pipeline"
)

var (
	runFile   string
	runTenant string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one request file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := loadRequest(runFile)
		if err != nil {
			return err
		}
		if runTenant != "" {
			req.TenantID = runTenant
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		return runOnce(ctx, env.Pipeline, req, os.Stdout)
	},
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "run request file (.yaml or .json, required)")
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "override the request tenant_id")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

// runOnce executes req and writes the result as JSON to out. The result is
// written even when the run fails.
func runOnce(ctx context.Context, runner intake.Runner, req pipeline.RunRequest, out io.Writer) error {
	result, runErr := runner.Run(ctx, req)
	if result != nil {
		zap.L().Info("run complete",
			zap.String("tenant_id", result.TenantID),
			zap.String("run_id", result.RunID),
			zap.String("status", string(result.Status)),
		)
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return eris.Wrap(err, "encode result")
		}
	}
	return eris.Wrap(runErr, "pipeline run")
}
