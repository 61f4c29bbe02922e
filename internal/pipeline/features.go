package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
)

const unknownKey = "unknown"

// FeatureResult summarises the feature stage.
type FeatureResult struct {
	Written int `json:"written"`
}

type featureKey struct {
	week     time.Time
	buyer    string
	category string
	family   string
}

// buildWeeklyFeatures aggregates the tenant's recent canonical tenders into
// weekly rows. Rows are appended on every run.
func (p *Pipeline) buildWeeklyFeatures(ctx context.Context, tr *runTracker, req *RunRequest) (*FeatureResult, error) {
	now := p.now().UTC()
	cutoff := now.AddDate(0, 0, -7*p.cfg.WeeksBack)

	tenders, err := p.store.ListCanonicalTenders(ctx, req.TenantID, cutoff)
	if err != nil {
		return nil, err
	}

	features := AggregateWeekly(tenders, cutoff)
	for i := range features {
		features[i].ID = model.NewID(model.PrefixFeature)
		features[i].TenantID = req.TenantID
		features[i].CreatedAt = now
	}

	written, err := p.store.InsertWeeklyFeatures(ctx, features)
	if err != nil {
		return &FeatureResult{Written: written}, err
	}

	metrics.AddRecords(StageFeatures, "written", written)
	return &FeatureResult{Written: written}, tr.finishStage(ctx, StageFeatures, map[string]int{"written": written})
}

// AggregateWeekly groups tenders published on or after cutoff by ISO week,
// buyer, category and CPV family. Tenders without a publication date are
// skipped. Groups are returned in first-seen order.
func AggregateWeekly(tenders []model.CanonicalTender, cutoff time.Time) []model.WeeklyFeature {
	groups := make(map[featureKey][]model.CanonicalTender)
	var order []featureKey
	for _, t := range tenders {
		if t.PublicationDate == nil || t.PublicationDate.Before(cutoff) {
			continue
		}
		key := featureKey{
			week:     WeekStart(*t.PublicationDate),
			buyer:    orUnknown(t.BuyerEntityID),
			category: orUnknown(t.Category),
			family:   model.CPVFamily(t.CPVCodes),
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}

	out := make([]model.WeeklyFeature, 0, len(order))
	for _, key := range order {
		rows := groups[key]
		var values []float64
		for _, r := range rows {
			if r.EstimatedValue != nil && *r.EstimatedValue > 0 {
				values = append(values, *r.EstimatedValue)
			}
		}
		sort.Float64s(values)

		f := model.WeeklyFeature{
			WeekStart:   key.week,
			Category:    key.category,
			CPVFamily:   key.family,
			TenderCount: len(rows),
		}
		if key.buyer != unknownKey {
			f.BuyerEntityID = key.buyer
		}
		if len(values) > 0 {
			var sum float64
			for _, v := range values {
				sum += v
			}
			avg := sum / float64(len(values))
			// Holds the value at the median index of the sorted positive values.
			median := values[len(values)/2]
			f.AvgValue = &avg
			f.MedianDaysBetween = &median
		}
		out = append(out, f)
	}
	return out
}

// WeekStart returns midnight UTC of the Monday starting t's ISO week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
}

func orUnknown(s string) string {
	if s == "" {
		return unknownKey
	}
	return s
}
