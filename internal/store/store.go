// Package store persists pipeline records behind a typed repository with
// PostgreSQL and SQLite backends.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/model"
)

var (
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = eris.New("store: not found")
	// ErrReviewResolved is returned when a review item has already left the pending state.
	ErrReviewResolved = eris.New("store: review item already resolved")
)

// ReviewFilter specifies criteria for listing reconciliation queue items.
type ReviewFilter struct {
	Status model.ReviewStatus `json:"status,omitempty"`
	Kind   string             `json:"kind,omitempty"`
	RunID  string             `json:"run_id,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

// Store defines the persistence interface for the tender pipeline. Every
// write is a single statement keyed by a unique constraint, so re-running a
// stage is idempotent where the data model says it should be.
type Store interface {
	// Ingestion runs
	UpsertIngestionRun(ctx context.Context, run *model.IngestionRun) error
	GetIngestionRun(ctx context.Context, tenantID, runID string) (*model.IngestionRun, error)

	// Raw documents. InsertRawDocument reports false when the checksum
	// already exists for the tenant.
	InsertRawDocument(ctx context.Context, doc *model.RawDocument) (bool, error)
	ListRawDocuments(ctx context.Context, tenantID, runID string) ([]model.RawDocument, error)

	// Staging records. An empty status lists every record of the run.
	InsertStagingRecord(ctx context.Context, rec *model.StagingRecord) error
	ListStagingRecords(ctx context.Context, tenantID, runID string, status model.ValidationStatus) ([]model.StagingRecord, error)

	// Entities and aliases. Find* return nil, nil when nothing matches.
	FindEntityByName(ctx context.Context, tenantID string, entityType model.EntityType, name string) (*model.Entity, error)
	FindEntityByAlias(ctx context.Context, tenantID string, entityType model.EntityType, alias string) (*model.Entity, error)
	ListRecentEntities(ctx context.Context, tenantID string, entityType model.EntityType, limit int) ([]model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, error)
	CreateAlias(ctx context.Context, a *model.EntityAlias) error

	// Reconciliation queue
	EnqueueReview(ctx context.Context, item *model.ReviewItem) error
	ListReviewItems(ctx context.Context, tenantID string, filter ReviewFilter) ([]model.ReviewItem, error)
	ResolveReviewItem(ctx context.Context, tenantID, id string, status model.ReviewStatus, reviewer, notes string) (*model.ReviewItem, error)

	// Canonical tenders. UpsertCanonicalTender returns the stable canonical_id.
	UpsertCanonicalTender(ctx context.Context, t *model.CanonicalTender) (string, error)
	ListCanonicalTenders(ctx context.Context, tenantID string, publishedSince time.Time) ([]model.CanonicalTender, error)

	// Weekly features, listed newest week first.
	InsertWeeklyFeatures(ctx context.Context, features []model.WeeklyFeature) (int, error)
	ListWeeklyFeatures(ctx context.Context, tenantID string) ([]model.WeeklyFeature, error)

	// Market signals. InsertRenewalSignal reports false when a renewal
	// signal already exists for (tenant_id, signal_type, entity_id).
	InsertMarketSignal(ctx context.Context, s *model.MarketSignal) error
	InsertRenewalSignal(ctx context.Context, s *model.MarketSignal) (bool, error)
	ListMarketSignals(ctx context.Context, tenantID string) ([]model.MarketSignal, error)

	// Predictions
	InsertPrediction(ctx context.Context, p *model.Prediction) error
	ListPredictions(ctx context.Context, tenantID string) ([]model.Prediction, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
