package model

import (
	"encoding/json"
	"time"
)

// ConfidenceBreakdown decomposes a prediction's confidence on a 0-100 scale.
type ConfidenceBreakdown struct {
	DataConfidence    float64  `json:"data_confidence"`
	SignalConfidence  float64  `json:"signal_confidence"`
	ModelConfidence   float64  `json:"model_confidence"`
	OverallConfidence float64  `json:"overall_confidence"`
	Drivers           []string `json:"drivers"`
}

// PredictionEvidence references a signal or contract backing a prediction.
type PredictionEvidence struct {
	SourceURL       string `json:"source_url,omitempty"`
	EvidenceSnippet string `json:"evidence_snippet"`
	SignalType      string `json:"signal_type"`
}

// Prediction is a generated_at-versioned forecast for a buyer/category pair.
type Prediction struct {
	ID                  string               `json:"id"`
	TenantID            string               `json:"tenant_id"`
	BuyerID             string               `json:"buyer_id,omitempty"`
	Category            string               `json:"category"`
	CPVFamily           string               `json:"cpv_family"`
	TimeWindow          string               `json:"time_window"`
	Probability         float64              `json:"probability"`
	Confidence          float64              `json:"confidence"`
	ConfidenceBreakdown ConfidenceBreakdown  `json:"confidence_breakdown"`
	TopDrivers          []string             `json:"top_drivers"`
	Evidence            []PredictionEvidence `json:"evidence"`
	ModelVersion        string               `json:"model_version"`
	GeneratedAt         time.Time            `json:"generated_at"`

	// Renewal-driven predictions only.
	PredictedTenderDate string          `json:"predicted_tender_date,omitempty"`
	Urgency             string          `json:"urgency,omitempty"`
	RenewalSource       json.RawMessage `json:"renewal_source,omitempty"`
}
