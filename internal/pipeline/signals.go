package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/agent"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/pkg/renewal"
)

const (
	unknownEntity         = "Unknown Entity"
	renewalSourceQuality  = 0.95
	renewalErrorReference = "renewal"
)

// errRenewalMissingBuyer is recorded for renewal signals without a buyer id.
var errRenewalMissingBuyer = eris.New("renewal signal has no buyer_id")

// SignalResult summarises the signal stage.
type SignalResult struct {
	SignalsInserted int              `json:"signals_inserted"`
	QueuedReviews   int              `json:"queued_reviews"`
	RenewalInserted int              `json:"renewal_inserted"`
	RenewalSkipped  int              `json:"renewal_skipped"`
	Errors          []model.RunError `json:"errors"`
}

// attachMarketSignals runs the text feed over the run's documents and then
// the renewal feed. Renewal signals fetched here are kept on the run for the
// prediction stage.
func (p *Pipeline) attachMarketSignals(ctx context.Context, tr *runTracker, req *RunRequest, st *runState) (*SignalResult, error) {
	res := &SignalResult{}
	if err := p.attachTextSignals(ctx, tr, req, res); err != nil {
		res.Errors = tr.stageErrors(StageSignals)
		return res, err
	}
	if err := p.attachRenewalSignals(ctx, tr, req, res, st); err != nil {
		res.Errors = tr.stageErrors(StageSignals)
		return res, err
	}
	res.Errors = tr.stageErrors(StageSignals)

	metrics.AddRecords(StageSignals, "inserted", res.SignalsInserted+res.RenewalInserted)
	metrics.AddRecords(StageSignals, "queued", res.QueuedReviews)
	metrics.AddRecords(StageSignals, "skipped", res.RenewalSkipped)
	return res, tr.finishStage(ctx, StageSignals, map[string]int{
		"signals_inserted": res.SignalsInserted,
		"queued_reviews":   res.QueuedReviews,
		"renewal_inserted": res.RenewalInserted,
		"renewal_skipped":  res.RenewalSkipped,
		"errors":           len(res.Errors),
	})
}

func (p *Pipeline) attachTextSignals(ctx context.Context, tr *runTracker, req *RunRequest, res *SignalResult) error {
	docs, err := p.store.ListRawDocuments(ctx, req.TenantID, req.RunID)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if strings.TrimSpace(doc.RawText) == "" {
			continue
		}
		extracted, err := p.agents.ExtractSignals(ctx, agent.SignalsInput{
			SourceURL:   doc.SourceURL,
			ContentText: doc.RawText,
		})
		if err == nil {
			err = p.storeTextSignals(ctx, req, doc, extracted.Signals, res)
		}
		if err != nil {
			if isFatal(err) {
				return err
			}
			if capErr := tr.record(StageSignals, doc.ExternalID, err); capErr != nil {
				return capErr
			}
		}
	}
	return nil
}

func (p *Pipeline) storeTextSignals(ctx context.Context, req *RunRequest, doc model.RawDocument, signals []agent.ExtractedSignal, res *SignalResult) error {
	for _, sig := range signals {
		extracted, err := json.Marshal(sig)
		if err != nil {
			return eris.Wrap(err, "pipeline: marshal extracted signal")
		}

		if sig.Strength < p.cfg.SignalThreshold {
			if err := p.queueSignal(ctx, req, doc, extracted); err != nil {
				return err
			}
			res.QueuedReviews++
			continue
		}

		hint := sig.EntityHint
		if strings.TrimSpace(hint) == "" {
			hint = unknownEntity
		}
		resolved, err := p.resolver.Resolve(ctx, req.TenantID, req.RunID, model.EntityBuyer, hint)
		if err != nil {
			return err
		}

		sourceURL := sig.SourceURL
		if sourceURL == "" {
			sourceURL = doc.SourceURL
		}
		signal := &model.MarketSignal{
			ID:              model.NewID(model.PrefixSignal),
			TenantID:        req.TenantID,
			Origin:          model.SignalOriginText,
			SignalType:      sig.SignalType,
			SourceURL:       sourceURL,
			SourceQuality:   sig.SourceQuality,
			SignalStrength:  sig.Strength,
			StartDate:       sig.StartDate,
			EndDate:         sig.EndDate,
			EvidenceSnippet: sig.EvidenceSnippet,
			ExtractedJSON:   extracted,
			CreatedAt:       p.now().UTC(),
		}
		if resolved != nil {
			signal.EntityID = resolved.Entity.EntityID
		}
		if err := p.store.InsertMarketSignal(ctx, signal); err != nil {
			return err
		}
		res.SignalsInserted++
	}
	return nil
}

func (p *Pipeline) queueSignal(ctx context.Context, req *RunRequest, doc model.RawDocument, signal json.RawMessage) error {
	candidate, err := json.Marshal(map[string]any{
		"type":       model.ReviewKindSignal,
		"source_url": doc.SourceURL,
		"signal":     signal,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal signal candidate")
	}
	if err := p.store.EnqueueReview(ctx, &model.ReviewItem{
		ID:          model.NewID(model.PrefixReview),
		TenantID:    req.TenantID,
		RunID:       req.RunID,
		Kind:        model.ReviewKindSignal,
		Candidate:   candidate,
		AgentOutput: signal,
		Status:      model.ReviewPending,
		CreatedAt:   p.now().UTC(),
	}); err != nil {
		return err
	}
	metrics.ReviewQueued.WithLabelValues(model.ReviewKindSignal).Inc()
	return nil
}

// attachRenewalSignals inserts one signal per (signal_type, buyer) not
// already present. Existing signals are left as they are.
func (p *Pipeline) attachRenewalSignals(ctx context.Context, tr *runTracker, req *RunRequest, res *SignalResult, st *runState) error {
	signals, err := p.fetchRenewals(ctx, req)
	if err != nil {
		if isFatal(err) {
			return err
		}
		return tr.record(StageSignals, renewalErrorReference, err)
	}
	st.renewals = signals

	for i := range signals {
		sig := &signals[i]
		if strings.TrimSpace(sig.BuyerID) == "" {
			if capErr := tr.record(StageSignals, renewalReference(sig), errRenewalMissingBuyer); capErr != nil {
				return capErr
			}
			continue
		}
		extracted, err := json.Marshal(sig)
		if err == nil {
			var inserted bool
			inserted, err = p.store.InsertRenewalSignal(ctx, &model.MarketSignal{
				ID:              model.NewID(model.PrefixSignal),
				TenantID:        req.TenantID,
				Origin:          model.SignalOriginRenewal,
				SignalType:      sig.SignalType,
				EntityID:        sig.BuyerID,
				SourceQuality:   renewalSourceQuality,
				SignalStrength:  sig.Confidence,
				StartDate:       sig.LatestContractEnd,
				EndDate:         sig.PredictedTenderDate,
				EvidenceSnippet: sig.Snippet(),
				ExtractedJSON:   extracted,
				CreatedAt:       p.now().UTC(),
			})
			if err == nil {
				if inserted {
					res.RenewalInserted++
				} else {
					res.RenewalSkipped++
				}
				continue
			}
		}
		if isFatal(err) {
			return err
		}
		if capErr := tr.record(StageSignals, sig.BuyerID, err); capErr != nil {
			return capErr
		}
	}
	return nil
}

// fetchRenewals calls the renewal source under the retry policy. A missing
// source or an unsuccessful response yields no signals.
func (p *Pipeline) fetchRenewals(ctx context.Context, req *RunRequest) ([]renewal.Signal, error) {
	if p.renewals == nil {
		return nil, nil
	}
	resp, err := resilience.DoVal(ctx, p.renewalRetry, func(ctx context.Context) (*renewal.Response, error) {
		return p.renewals.Fetch(ctx, p.renewalCfg.MonthsAhead, p.renewalCfg.MinValueEUR)
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: fetch renewal signals")
	}
	if !resp.Success || len(resp.Signals) == 0 {
		zap.L().Warn("pipeline: no renewal signals retrieved",
			zap.String("tenant_id", req.TenantID),
			zap.Bool("success", resp.Success),
		)
		return nil, nil
	}
	return resp.Signals, nil
}

// renewalTransient retries 408, 429 and 5xx responses and network errors.
func renewalTransient(err error) bool {
	var se *renewal.StatusError
	if errors.As(err, &se) {
		return resilience.IsTransientHTTPStatus(se.StatusCode)
	}
	return resilience.IsTransient(err)
}

func renewalReference(sig *renewal.Signal) string {
	if name := strings.TrimSpace(sig.BuyerName); name != "" {
		return name
	}
	return renewalErrorReference
}
