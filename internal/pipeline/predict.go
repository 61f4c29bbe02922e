package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/scoring"
	"github.com/sells-group/tender-intel/pkg/renewal"
)

const (
	recentWeeks          = 8
	maxEvidence          = 5
	maxTopDrivers        = 5
	renewalTimeWindow    = "next_18_months"
	featureProbMin       = 0.05
	featureProbMax       = 0.95
	renewalProbMax       = 0.98
	renewalModelScore    = 20
	renewalHistoryCap    = 0.10
	urgencyBoostImminent = 0.10
	urgencyBoostUpcoming = 0.05
)

// PredictionResult summarises the prediction stage.
type PredictionResult struct {
	Created        int `json:"created"`
	RenewalCreated int `json:"renewal_created"`
}

type predictionKey struct {
	buyer    string
	category string
	family   string
}

// generatePredictions writes feature-driven predictions and then renewal
// predictions for buyer/family pairs that have none yet.
func (p *Pipeline) generatePredictions(ctx context.Context, tr *runTracker, req *RunRequest, st *runState) (*PredictionResult, error) {
	features, err := p.store.ListWeeklyFeatures(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	signals, err := p.store.ListMarketSignals(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	res := &PredictionResult{}
	now := p.now().UTC()
	for _, pred := range FeaturePredictions(features, signals, p.cfg.ModelVersion, p.cfg.TimeWindow, now) {
		pred.ID = model.NewID(model.PrefixPrediction)
		pred.TenantID = req.TenantID
		if err := p.store.InsertPrediction(ctx, &pred); err != nil {
			return res, err
		}
		res.Created++
	}

	if len(st.renewals) > 0 {
		existing, err := p.store.ListPredictions(ctx, req.TenantID)
		if err != nil {
			return res, err
		}
		preds, err := RenewalPredictions(st.renewals, existing, p.cfg.RenewalModelVersion, now)
		if err != nil {
			return res, err
		}
		for _, pred := range preds {
			pred.ID = model.NewID(model.PrefixPrediction)
			pred.TenantID = req.TenantID
			if err := p.store.InsertPrediction(ctx, &pred); err != nil {
				return res, err
			}
			res.RenewalCreated++
		}
	}

	metrics.AddRecords(StagePredict, "created", res.Created+res.RenewalCreated)
	return res, tr.finishStage(ctx, StagePredict, map[string]int{
		"created":         res.Created,
		"renewal_created": res.RenewalCreated,
	})
}

// FeaturePredictions builds one prediction per (buyer, category, cpv family)
// from weekly features listed newest first. Signals are matched to the
// group's buyer.
func FeaturePredictions(features []model.WeeklyFeature, signals []model.MarketSignal, modelVersion, timeWindow string, now time.Time) []model.Prediction {
	groups := make(map[predictionKey][]model.WeeklyFeature)
	var order []predictionKey
	for _, f := range features {
		key := predictionKey{
			buyer:    orUnknown(f.BuyerEntityID),
			category: orUnknown(f.Category),
			family:   orUnknown(f.CPVFamily),
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	out := make([]model.Prediction, 0, len(order))
	for _, key := range order {
		rows := groups[key]
		recent := rows[:min(len(rows), recentWeeks)]
		var volume float64
		for _, r := range recent {
			volume += float64(r.TenderCount)
		}
		avgVolume := volume / float64(max(len(recent), 1))
		normalizedVolume := math.Min(avgVolume/5, 1)

		var buyerSignals []model.MarketSignal
		for _, s := range signals {
			if orUnknown(s.EntityID) == key.buyer {
				buyerSignals = append(buyerSignals, s)
			}
		}
		samples := make([]scoring.SignalSample, len(buyerSignals))
		for i, s := range buyerSignals {
			samples[i] = scoring.SignalSample{Strength: s.SignalStrength, SourceQuality: s.SourceQuality}
		}

		breakdown := scoring.Compute(scoring.Input{
			Data: scoring.DataInput{
				Completeness:       0.95,
				RecencyDays:        7,
				HistoryLengthWeeks: float64(len(rows)),
				DedupeQuality:      0.95,
			},
			Signals: scoring.SignalInput{Signals: samples, Agreement: scoring.Agreement(len(buyerSignals))},
			Model:   scoring.ModelInput{Calibration: 0.8, Variance: 0.2, Stability: 0.75},
			Drivers: []string{
				fmt.Sprintf("Recent weekly avg volume %.2f", avgVolume),
				fmt.Sprintf("Signal count %d", len(buyerSignals)),
				fmt.Sprintf("History weeks %d", len(rows)),
			},
		})

		evidence := []model.PredictionEvidence{}
		for _, s := range buyerSignals[:min(len(buyerSignals), maxEvidence)] {
			evidence = append(evidence, model.PredictionEvidence{
				SourceURL:       s.SourceURL,
				EvidenceSnippet: s.EvidenceSnippet,
				SignalType:      s.SignalType,
			})
		}

		pred := model.Prediction{
			Category:            key.category,
			CPVFamily:           key.family,
			TimeWindow:          timeWindow,
			Probability:         scoring.Clamp(normalizedVolume*0.6+breakdown.OverallConfidence/100*0.4, featureProbMin, featureProbMax),
			Confidence:          breakdown.OverallConfidence / 100,
			ConfidenceBreakdown: breakdown,
			TopDrivers:          breakdown.Drivers[:min(len(breakdown.Drivers), maxTopDrivers)],
			Evidence:            evidence,
			ModelVersion:        modelVersion,
			GeneratedAt:         now,
		}
		if key.buyer != unknownKey {
			pred.BuyerID = key.buyer
		}
		out = append(out, pred)
	}
	return out
}

type renewalSource struct {
	BuyerName          string             `json:"buyer_name"`
	CPVCluster         string             `json:"cpv_cluster"`
	Country            string             `json:"country"`
	DaysUntilExpiry    int                `json:"days_until_expiry"`
	IncumbentSuppliers []string           `json:"incumbent_suppliers"`
	ExpiringContracts  []renewal.Contract `json:"expiring_contracts"`
	HasFrameworks      bool               `json:"has_frameworks"`
	AvgDurationMonths  float64            `json:"avg_duration_months"`
}

// RenewalPredictions builds predictions from renewal signals for every
// (buyer, cpv family) pair absent from existing. Pairs created here are
// skipped for later signals too.
func RenewalPredictions(signals []renewal.Signal, existing []model.Prediction, modelVersion string, now time.Time) ([]model.Prediction, error) {
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[orUnknown(p.BuyerID)+"|"+orUnknown(p.CPVFamily)] = true
	}

	var out []model.Prediction
	for i := range signals {
		sig := &signals[i]
		family := renewal.CPVFamily(sig.CPVCluster)
		key := orUnknown(sig.BuyerID) + "|" + family
		if seen[key] {
			continue
		}

		source, err := json.Marshal(renewalSource{
			BuyerName:          sig.BuyerName,
			CPVCluster:         sig.CPVCluster,
			Country:            sig.Country,
			DaysUntilExpiry:    sig.DaysUntilExpiry,
			IncumbentSuppliers: sig.IncumbentSuppliers,
			ExpiringContracts:  sig.ExpiringContracts,
			HasFrameworks:      sig.HasFrameworks,
			AvgDurationMonths:  sig.AvgDurationMonths,
		})
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: marshal renewal source")
		}

		drivers := sig.Drivers()
		evidence := []model.PredictionEvidence{}
		for _, c := range sig.ExpiringContracts[:min(len(sig.ExpiringContracts), maxEvidence)] {
			evidence = append(evidence, model.PredictionEvidence{
				EvidenceSnippet: c.Summary(),
				SignalType:      sig.SignalType,
			})
		}

		out = append(out, model.Prediction{
			BuyerID:     sig.BuyerID,
			Category:    sig.CPVCluster,
			CPVFamily:   family,
			TimeWindow:  renewalTimeWindow,
			Probability: RenewalProbability(sig.Confidence, sig.Urgency, sig.TotalContracts),
			Confidence:  sig.Confidence,
			ConfidenceBreakdown: model.ConfidenceBreakdown{
				DataConfidence:    renewalDataConfidence(sig.TotalContracts),
				SignalConfidence:  sig.Confidence * 30,
				ModelConfidence:   renewalModelScore,
				OverallConfidence: math.Round(sig.Confidence * 100),
				Drivers:           drivers,
			},
			TopDrivers:          drivers[:min(len(drivers), maxTopDrivers)],
			Evidence:            evidence,
			ModelVersion:        modelVersion,
			GeneratedAt:         now,
			PredictedTenderDate: sig.PredictedTenderDate,
			Urgency:             sig.Urgency,
			RenewalSource:       source,
		})
		seen[key] = true
	}
	return out, nil
}

// RenewalProbability is confidence plus urgency and history boosts, clamped
// to [0, 0.98].
func RenewalProbability(confidence float64, urgency string, totalContracts int) float64 {
	var urgencyBoost float64
	switch urgency {
	case renewal.UrgencyImminent:
		urgencyBoost = urgencyBoostImminent
	case renewal.UrgencyUpcoming:
		urgencyBoost = urgencyBoostUpcoming
	}
	historyBoost := math.Min(float64(totalContracts)/10, renewalHistoryCap)
	return scoring.Clamp(confidence+urgencyBoost+historyBoost, 0, renewalProbMax)
}

func renewalDataConfidence(totalContracts int) float64 {
	switch {
	case totalContracts >= 3:
		return 35
	case totalContracts >= 2:
		return 25
	default:
		return 15
	}
}
