package model

import (
	"encoding/json"
	"time"
)

// EntityType distinguishes buyers from suppliers.
type EntityType string

const (
	EntityBuyer    EntityType = "buyer"
	EntitySupplier EntityType = "supplier"
)

// Entity is a canonical buyer or supplier identity.
type Entity struct {
	TenantID      string          `json:"tenant_id"`
	EntityID      string          `json:"entity_id"`
	EntityType    EntityType      `json:"entity_type"`
	CanonicalName string          `json:"canonical_name"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Alias provenance values.
const (
	AliasSourceDeterministic = "deterministic"
	AliasSourceReconciler    = "ReconcilerAgent"
)

// Evidence is one reason supporting a reconciliation decision.
type Evidence struct {
	Reason string  `json:"reason"`
	Field  string  `json:"field"`
	Score  float64 `json:"score"`
}

// EntityAlias binds an observed surface form to a canonical entity.
type EntityAlias struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	EntityID   string     `json:"entity_id"`
	Alias      string     `json:"alias"`
	Source     string     `json:"source"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ReviewStatus is the lifecycle state of a reconciliation queue item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Review item kinds stored in candidate_json.type.
const (
	ReviewKindEntity         = "entity"
	ReviewKindClassification = "classification"
	ReviewKindSignal         = "signal"
)

// ReviewItem is a ReconciliationQueue row awaiting human review.
type ReviewItem struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	RunID       string          `json:"run_id,omitempty"`
	Kind        string          `json:"kind"`
	Candidate   json.RawMessage `json:"candidate_json"`
	AgentOutput json.RawMessage `json:"agent_output"`
	Status      ReviewStatus    `json:"status"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes string          `json:"review_notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
