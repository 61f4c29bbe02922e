package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/store"
)

// runTracker owns the IngestionRun row for one invocation. Stages report
// record errors and counts through it.
type runTracker struct {
	store     store.Store
	run       *model.IngestionRun
	maxErrors int
	now       func() time.Time
	perStage  map[string]int
}

func newTracker(st store.Store, req *RunRequest, maxErrors int, now func() time.Time) *runTracker {
	return &runTracker{
		store: st,
		run: &model.IngestionRun{
			TenantID:  req.TenantID,
			RunID:     req.RunID,
			Source:    req.Source,
			Cursor:    req.Cursor,
			Status:    model.RunStatusRunning,
			StartedAt: now().UTC(),
			Errors:    []model.RunError{},
		},
		maxErrors: maxErrors,
		now:       now,
		perStage:  make(map[string]int),
	}
}

// record appends a per-record error. It returns ErrCapacityExceeded once
// the stage has more than maxErrors errors.
func (t *runTracker) record(stage, externalID string, err error) error {
	re := &RecordError{Stage: stage, ExternalID: externalID, Message: err.Error()}
	t.run.Errors = append(t.run.Errors, model.RunError{
		Stage:      stage,
		ExternalID: externalID,
		Message:    re.Message,
	})
	t.perStage[stage]++
	metrics.AddRecords(stage, "error", 1)
	zap.L().Warn("pipeline: record error",
		zap.String("tenant_id", t.run.TenantID),
		zap.String("run_id", t.run.RunID),
		zap.String("stage", stage),
		zap.String("external_id", externalID),
		zap.Error(err),
	)
	if t.perStage[stage] > t.maxErrors {
		return eris.Wrapf(ErrCapacityExceeded, "%s: %d errors", stage, t.perStage[stage])
	}
	return nil
}

// stageErrors returns the errors recorded for one stage.
func (t *runTracker) stageErrors(stage string) []model.RunError {
	out := []model.RunError{}
	for _, e := range t.run.Errors {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func (t *runTracker) status() model.RunStatus {
	if len(t.run.Errors) > 0 {
		return model.RunStatusPartial
	}
	return model.RunStatusSuccess
}

// start writes the run in the running state.
func (t *runTracker) start(ctx context.Context, attempted int) error {
	t.run.SetMetrics(StageIngest, map[string]int{"attempted": attempted, "inserted": 0, "duplicates": 0})
	return eris.Wrap(t.store.UpsertIngestionRun(ctx, t.run), "pipeline: start run")
}

// finishStage stores the stage counts and the status so far.
func (t *runTracker) finishStage(ctx context.Context, stage string, counts map[string]int) error {
	t.run.SetMetrics(stage, counts)
	t.run.Status = t.status()
	return eris.Wrapf(t.store.UpsertIngestionRun(ctx, t.run), "pipeline: update run after %s", stage)
}

// complete marks the run finished with success or partial.
func (t *runTracker) complete(ctx context.Context) error {
	finished := t.now().UTC()
	t.run.FinishedAt = &finished
	t.run.Status = t.status()
	return eris.Wrap(t.store.UpsertIngestionRun(ctx, t.run), "pipeline: complete run")
}

// fail marks the run failed. The write is best effort since the caller
// already has an error to return.
func (t *runTracker) fail(ctx context.Context, cause error) {
	finished := t.now().UTC()
	t.run.FinishedAt = &finished
	t.run.Status = model.RunStatusFail
	t.run.Errors = append(t.run.Errors, model.RunError{Message: cause.Error()})
	if err := t.store.UpsertIngestionRun(context.WithoutCancel(ctx), t.run); err != nil {
		zap.L().Warn("pipeline: failed to mark run failed",
			zap.String("run_id", t.run.RunID),
			zap.Error(err),
		)
	}
}
