// Package pipeline runs the six procurement stages, from raw notices to
// predictions, for one tenant and run.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/agent"
	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/entity"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/store"
	"github.com/sells-group/tender-intel/internal/tracing"
	"github.com/sells-group/tender-intel/pkg/renewal"
)

// Stage names, in execution order.
const (
	StageIngest    = "ingest"
	StageStaging   = "staging"
	StageCanonical = "canonical"
	StageFeatures  = "features"
	StageSignals   = "signals"
	StagePredict   = "predictions"
)

// Result is the per-stage summary of one invocation.
type Result struct {
	RunID       string            `json:"run_id"`
	TenantID    string            `json:"tenant_id"`
	Status      model.RunStatus   `json:"status"`
	Ingest      *IngestResult     `json:"ingest"`
	Staging     *StagingResult    `json:"staging"`
	Normalized  *CanonicalResult  `json:"normalized"`
	Features    *FeatureResult    `json:"features"`
	Signals     *SignalResult     `json:"signals"`
	Predictions *PredictionResult `json:"predictions"`
}

// runState carries data between stages of one invocation.
type runState struct {
	renewals []renewal.Signal
}

// Pipeline wires the stages to their dependencies.
type Pipeline struct {
	cfg          config.PipelineConfig
	renewalCfg   config.RenewalConfig
	store        store.Store
	agents       agent.Agents
	resolver     *entity.Resolver
	renewals     renewal.Source
	renewalRetry resilience.RetryConfig
	now          func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline. rs may be nil, in which case the renewal feed and
// renewal predictions are skipped.
func New(cfg *config.Config, st store.Store, agents agent.Agents, rs renewal.Source, opts ...Option) *Pipeline {
	pc := cfg.Pipeline
	if pc.ClassifyThreshold <= 0 {
		pc.ClassifyThreshold = 0.85
	}
	if pc.SignalThreshold <= 0 {
		pc.SignalThreshold = 0.85
	}
	if pc.WeeksBack <= 0 {
		pc.WeeksBack = 104
	}
	if pc.MaxRecordErrors <= 0 {
		pc.MaxRecordErrors = 50
	}
	if pc.ModelVersion == "" {
		pc.ModelVersion = "agentic-v1"
	}
	if pc.RenewalModelVersion == "" {
		pc.RenewalModelVersion = "renewal-v1"
	}
	if pc.TimeWindow == "" {
		pc.TimeWindow = "next_12_months"
	}

	retry := resilience.RetryFromConfig(cfg.Retry)
	retry.ShouldRetry = renewalTransient
	retry.OnRetry = resilience.RetryLogger("renewal", "fetch")

	p := &Pipeline{
		cfg:          pc,
		renewalCfg:   cfg.Renewal,
		store:        st,
		agents:       agents,
		renewals:     rs,
		renewalRetry: retry,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.resolver = entity.NewResolver(st, agents, pc, entity.WithClock(p.now))
	return p
}

// Run executes ingest, staging, canonicalization, features, signals and
// predictions in order. Per-record failures are collected on the run and
// leave it partial. A stage error, a schema violation or exceeding the
// record error capacity stops the run, marks it failed, and returns the
// results gathered so far together with the error.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (result *Result, err error) {
	req.Normalize(p.now())
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "pipeline.run",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("run_id", req.RunID),
		attribute.Int("documents", len(req.Documents)),
	)
	defer func() { tracing.End(span, err) }()

	log := zap.L().With(zap.String("tenant_id", req.TenantID), zap.String("run_id", req.RunID))
	log.Info("pipeline: starting run", zap.Int("documents", len(req.Documents)))
	start := p.now()

	tr := newTracker(p.store, &req, p.cfg.MaxRecordErrors, p.now)
	st := &runState{}
	res := &Result{RunID: req.RunID, TenantID: req.TenantID}

	stages := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{StageIngest, func(ctx context.Context) (err error) {
			res.Ingest, err = p.ingest(ctx, tr, &req)
			return err
		}},
		{StageStaging, func(ctx context.Context) (err error) {
			res.Staging, err = p.parseToStaging(ctx, tr, &req)
			return err
		}},
		{StageCanonical, func(ctx context.Context) (err error) {
			res.Normalized, err = p.normaliseToCanonical(ctx, tr, &req)
			return err
		}},
		{StageFeatures, func(ctx context.Context) (err error) {
			res.Features, err = p.buildWeeklyFeatures(ctx, tr, &req)
			return err
		}},
		{StageSignals, func(ctx context.Context) (err error) {
			res.Signals, err = p.attachMarketSignals(ctx, tr, &req, st)
			return err
		}},
		{StagePredict, func(ctx context.Context) (err error) {
			res.Predictions, err = p.generatePredictions(ctx, tr, &req, st)
			return err
		}},
	}

	for _, s := range stages {
		if err := p.runStage(ctx, s.name, s.fn); err != nil {
			tr.fail(ctx, err)
			res.Status = model.RunStatusFail
			metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
			log.Error("pipeline: run failed", zap.String("stage", s.name), zap.Error(err))
			return res, eris.Wrapf(err, "pipeline: stage %s", s.name)
		}
	}

	if err := tr.complete(ctx); err != nil {
		return res, err
	}
	res.Status = tr.run.Status
	metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
	log.Info("pipeline: run complete",
		zap.String("status", string(res.Status)),
		zap.Int("errors", len(tr.run.Errors)),
		zap.Duration("elapsed", p.now().Sub(start)),
	)
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline."+name, attribute.String("stage", name))
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	defer metrics.ObserveStage(name, start)

	zap.L().Debug("pipeline: stage starting", zap.String("stage", name))
	return fn(ctx)
}
