// Package scoring computes the explainable confidence breakdown attached to
// every prediction. Each component is a fixed-weight sum on a bounded scale:
// data up to 40, signal up to 30, model up to 30.
package scoring

import (
	"math"

	"github.com/sells-group/tender-intel/internal/model"
)

// DataInput describes the quality of the history behind a prediction.
type DataInput struct {
	Completeness       float64
	RecencyDays        float64
	HistoryLengthWeeks float64
	DedupeQuality      float64
}

// SignalSample is the part of a market signal that feeds scoring.
type SignalSample struct {
	Strength      float64
	SourceQuality float64
}

// SignalInput describes the corroborating signals.
type SignalInput struct {
	Signals   []SignalSample
	Agreement float64
}

// ModelInput describes the forecasting model's self-assessment.
type ModelInput struct {
	Calibration float64
	Variance    float64
	Stability   float64
}

// Input bundles everything Compute needs.
type Input struct {
	Data    DataInput
	Signals SignalInput
	Model   ModelInput
	Drivers []string
}

// Data scores history quality on [0, 40].
func Data(in DataInput) float64 {
	completeness := clamp(in.Completeness, 0, 1) * 14
	recency := clamp(1-in.RecencyDays/180, 0, 1) * 10
	history := clamp(in.HistoryLengthWeeks/52, 0, 1) * 8
	dedupe := clamp(in.DedupeQuality, 0, 1) * 8
	return clamp(round2(completeness+recency+history+dedupe), 0, 40)
}

// Signal scores signal corroboration on [0, 30]. No signals scores 0.
func Signal(in SignalInput) float64 {
	if len(in.Signals) == 0 {
		return 0
	}
	var strength, quality float64
	for _, s := range in.Signals {
		strength += clamp(s.Strength, 0, 1)
		quality += clamp(s.SourceQuality, 0, 1)
	}
	n := float64(len(in.Signals))
	total := (strength/n*0.45 + quality/n*0.35 + clamp(in.Agreement, 0, 1)*0.2) * 30
	return clamp(round2(total), 0, 30)
}

// Model scores model reliability on [0, 30].
func Model(in ModelInput) float64 {
	calibration := clamp(in.Calibration, 0, 1)
	varianceQuality := 1 - clamp(in.Variance, 0, 1)
	stability := clamp(in.Stability, 0, 1)
	return clamp(round2((calibration*0.5+varianceQuality*0.25+stability*0.25)*30), 0, 30)
}

// Compute returns the full breakdown. Overall is the component sum on [0, 100].
func Compute(in Input) model.ConfidenceBreakdown {
	data := Data(in.Data)
	signal := Signal(in.Signals)
	mdl := Model(in.Model)
	drivers := in.Drivers
	if drivers == nil {
		drivers = []string{}
	}
	return model.ConfidenceBreakdown{
		DataConfidence:    data,
		SignalConfidence:  signal,
		ModelConfidence:   mdl,
		OverallConfidence: clamp(round2(data+signal+mdl), 0, 100),
		Drivers:           drivers,
	}
}

// Agreement maps a corroborating signal count to an agreement factor.
func Agreement(signalCount int) float64 {
	switch {
	case signalCount > 1:
		return 0.8
	case signalCount == 1:
		return 0.6
	default:
		return 0
	}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return clamp(v, lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
