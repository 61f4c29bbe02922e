package model

import (
	"encoding/json"
	"time"
)

// Signal origins.
const (
	SignalOriginText    = "text"
	SignalOriginRenewal = "renewal"
)

// MarketSignal is append-only evidence of future procurement activity.
type MarketSignal struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Origin          string          `json:"origin"`
	SignalType      string          `json:"signal_type"`
	EntityID        string          `json:"entity_id,omitempty"`
	SourceURL       string          `json:"source_url,omitempty"`
	SourceQuality   float64         `json:"source_quality"`
	SignalStrength  float64         `json:"signal_strength"`
	StartDate       string          `json:"start_date,omitempty"`
	EndDate         string          `json:"end_date,omitempty"`
	EvidenceSnippet string          `json:"evidence_snippet"`
	ExtractedJSON   json.RawMessage `json:"extracted_json"`
	CreatedAt       time.Time       `json:"created_at"`
}
