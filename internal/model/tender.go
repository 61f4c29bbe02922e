package model

import (
	"encoding/json"
	"time"
)

// CanonicalTender is the deduplicated, classified notice. It is keyed by
// (TenantID, Source, ExternalID) and CanonicalID never changes once assigned.
type CanonicalTender struct {
	CanonicalID     string          `json:"canonical_id"`
	TenantID        string          `json:"tenant_id"`
	Source          string          `json:"source"`
	ExternalID      string          `json:"external_id"`
	BuyerEntityID   string          `json:"buyer_entity_id,omitempty"`
	Title           string          `json:"title"`
	Category        string          `json:"category"`
	Subcategory     string          `json:"subcategory"`
	CPVCodes        []string        `json:"cpv_codes"`
	PublicationDate *time.Time      `json:"publication_date,omitempty"`
	DeadlineDate    *time.Time      `json:"deadline_date,omitempty"`
	EstimatedValue  *float64        `json:"estimated_value,omitempty"`
	Currency        string          `json:"currency"`
	SourceURL       string          `json:"source_url,omitempty"`
	DedupeQuality   float64         `json:"dedupe_quality"`
	NormalizedJSON  json.RawMessage `json:"normalized_json"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CPVFamily returns the first two characters of the first CPV code, or
// "unknown" when there are none.
func CPVFamily(codes []string) string {
	if len(codes) == 0 {
		return "unknown"
	}
	code := codes[0]
	if len(code) >= 2 {
		return code[:2]
	}
	return code + "0"
}

// WeeklyFeature is one aggregated (week, buyer, category, cpv family) row.
type WeeklyFeature struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	WeekStart         time.Time `json:"week_start"`
	BuyerEntityID     string    `json:"buyer_entity_id,omitempty"`
	Category          string    `json:"category"`
	CPVFamily         string    `json:"cpv_family"`
	TenderCount       int       `json:"tender_count"`
	AvgValue          *float64  `json:"avg_value,omitempty"`
	MedianDaysBetween *float64  `json:"median_days_between,omitempty"`
	ActiveSuppliers   int       `json:"active_suppliers"`
	CreatedAt         time.Time `json:"created_at"`
}
