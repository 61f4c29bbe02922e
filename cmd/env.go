package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/agent"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/store"
	"github.com/sells-group/tender-intel/internal/tracing"
	"github.com/sells-group/tender-intel/pkg/renewal"
)

// pipelineEnv holds the store, the pipeline and the tracer shutdown needed
// by the run/batch/serve/consume commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	shutdown func(context.Context) error
}

// Close flushes traces and closes the store.
func (pe *pipelineEnv) Close() {
	if pe.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pe.shutdown(ctx); err != nil {
			zap.L().Warn("tracing shutdown failed", zap.Error(err))
		}
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "tender-intel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store. Used by commands that do not run
// the pipeline.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline sets up tracing, the store, the agent gateway and the renewal
// client, then builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	gw, err := agent.NewGateway(cfg, nil)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init agent gateway")
	}

	var rs renewal.Source
	if cfg.Renewal.URL != "" {
		var opts []renewal.Option
		if cfg.Renewal.TimeoutSecs > 0 {
			opts = append(opts, renewal.WithTimeout(time.Duration(cfg.Renewal.TimeoutSecs)*time.Second))
		}
		rs = renewal.NewClient(cfg.Renewal.URL, cfg.Renewal.Key, opts...)
		zap.L().Info("renewal feed enabled")
	} else {
		zap.L().Debug("TENDER_RENEWAL_URL not set, renewal feed disabled")
	}

	shutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init tracing")
	}

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, gw, rs),
		shutdown: shutdown,
	}, nil
}
