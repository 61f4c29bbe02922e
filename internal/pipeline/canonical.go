package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/agent"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
)

const unknownBuyer = "Unknown Buyer"

// CanonicalResult summarises the canonicalization stage.
type CanonicalResult struct {
	Upserts       int              `json:"upserts"`
	QueuedReviews int              `json:"queued_reviews"`
	Errors        []model.RunError `json:"errors"`
}

// normaliseToCanonical classifies every valid staging record of the run.
// Confident classifications become canonical tenders; the rest go to review.
func (p *Pipeline) normaliseToCanonical(ctx context.Context, tr *runTracker, req *RunRequest) (*CanonicalResult, error) {
	records, err := p.store.ListStagingRecords(ctx, req.TenantID, req.RunID, model.ValidationValid)
	if err != nil {
		return nil, err
	}

	res := &CanonicalResult{}
	for i := range records {
		queued, err := p.canonicalize(ctx, req, &records[i])
		if err != nil {
			if isFatal(err) {
				res.Errors = tr.stageErrors(StageCanonical)
				return res, err
			}
			if capErr := tr.record(StageCanonical, records[i].ExternalID, err); capErr != nil {
				res.Errors = tr.stageErrors(StageCanonical)
				return res, capErr
			}
			continue
		}
		if queued {
			res.QueuedReviews++
		} else {
			res.Upserts++
		}
	}
	res.Errors = tr.stageErrors(StageCanonical)

	metrics.AddRecords(StageCanonical, "upserted", res.Upserts)
	metrics.AddRecords(StageCanonical, "queued", res.QueuedReviews)
	return res, tr.finishStage(ctx, StageCanonical, map[string]int{
		"upserts":        res.Upserts,
		"queued_reviews": res.QueuedReviews,
		"errors":         len(res.Errors),
	})
}

// canonicalize handles one staging record and reports whether it was queued
// for review instead of written.
func (p *Pipeline) canonicalize(ctx context.Context, req *RunRequest, rec *model.StagingRecord) (bool, error) {
	parsed := rec.Parsed
	cpvs := parsed.CPVCodes
	if cpvs == nil {
		cpvs = []string{}
	}

	class, err := p.agents.Classify(ctx, agent.ClassifyInput{
		TenderText: parsed.Title + "\n" + parsed.RawText,
		CPVs:       cpvs,
		Title:      parsed.Title,
	})
	if err != nil {
		return false, err
	}

	if class.Confidence < p.cfg.ClassifyThreshold {
		return true, p.queueClassification(ctx, req, rec, class)
	}

	buyerName := parsed.BuyerName
	if strings.TrimSpace(buyerName) == "" {
		buyerName = unknownBuyer
	}
	buyer, err := p.resolver.Resolve(ctx, req.TenantID, req.RunID, model.EntityBuyer, buyerName)
	if err != nil {
		return false, err
	}

	normalized, err := normalizedJSON(parsed, class)
	if err != nil {
		return false, err
	}

	source := parsed.Source
	if source == "" {
		source = "unknown"
	}
	currency := parsed.Currency
	if currency == "" {
		currency = "EUR"
	}
	var estimated *float64
	if parsed.EstimatedValue != nil && *parsed.EstimatedValue != 0 {
		estimated = parsed.EstimatedValue
	}

	tender := &model.CanonicalTender{
		CanonicalID:     model.NewID(model.PrefixCanonical),
		TenantID:        req.TenantID,
		Source:          source,
		ExternalID:      rec.ExternalID,
		Title:           parsed.Title,
		Category:        class.Category,
		Subcategory:     class.Subcategory,
		CPVCodes:        cpvs,
		PublicationDate: parseDate(parsed.PublicationDate),
		DeadlineDate:    parseDate(parsed.DeadlineDate),
		EstimatedValue:  estimated,
		Currency:        currency,
		SourceURL:       parsed.SourceURL,
		DedupeQuality:   1,
		NormalizedJSON:  normalized,
		UpdatedAt:       p.now().UTC(),
	}
	if buyer != nil {
		tender.BuyerEntityID = buyer.Entity.EntityID
	}

	id, err := p.store.UpsertCanonicalTender(ctx, tender)
	if err != nil {
		return false, err
	}
	zap.L().Debug("pipeline: canonical tender upserted",
		zap.String("tenant_id", req.TenantID),
		zap.String("external_id", rec.ExternalID),
		zap.String("canonical_id", id),
		zap.String("category", class.Category),
	)
	return false, nil
}

func (p *Pipeline) queueClassification(ctx context.Context, req *RunRequest, rec *model.StagingRecord, class *agent.Classification) error {
	candidate, err := json.Marshal(map[string]any{
		"type":              model.ReviewKindClassification,
		"staging_record_id": rec.ID,
		"parsed_json":       rec.Parsed,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal classification candidate")
	}
	output, err := json.Marshal(class)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal classification")
	}
	if err := p.store.EnqueueReview(ctx, &model.ReviewItem{
		ID:          model.NewID(model.PrefixReview),
		TenantID:    req.TenantID,
		RunID:       req.RunID,
		Kind:        model.ReviewKindClassification,
		Candidate:   candidate,
		AgentOutput: output,
		Status:      model.ReviewPending,
		CreatedAt:   p.now().UTC(),
	}); err != nil {
		return err
	}
	metrics.ReviewQueued.WithLabelValues(model.ReviewKindClassification).Inc()
	zap.L().Info("pipeline: classification queued for review",
		zap.String("tenant_id", req.TenantID),
		zap.String("external_id", rec.ExternalID),
		zap.Float64("confidence", class.Confidence),
	)
	return nil
}

// normalizedJSON is the parsed candidate plus the classification and its
// evidence terms.
func normalizedJSON(parsed model.ParsedTender, class *agent.Classification) (json.RawMessage, error) {
	b, err := json.Marshal(parsed)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal parsed tender")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "pipeline: unmarshal parsed tender")
	}
	m["classification"] = class
	m["evidence_terms"] = class.EvidenceTerms
	out, err := json.Marshal(m)
	return out, eris.Wrap(err, "pipeline: marshal normalized json")
}

// parseDate accepts YYYY-MM-DD and returns nil for anything else.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil
	}
	return &t
}
