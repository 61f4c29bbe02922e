package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/store"
)

// memStore is an in-memory store.Store with exact-match semantics and
// per-record failure injection.
type memStore struct {
	mu          sync.Mutex
	runs        map[string]model.IngestionRun
	raw         []model.RawDocument
	staging     []model.StagingRecord
	entities    []model.Entity
	aliases     []model.EntityAlias
	reviews     []model.ReviewItem
	tenders     []model.CanonicalTender
	features    []model.WeeklyFeature
	signals     []model.MarketSignal
	predictions []model.Prediction

	// failRaw makes InsertRawDocument fail for the given external ids.
	failRaw map[string]error
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]model.IngestionRun),
		failRaw: make(map[string]error),
	}
}

func (m *memStore) UpsertIngestionRun(_ context.Context, run *model.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	cp.Errors = append([]model.RunError{}, run.Errors...)
	cp.Metrics = make(map[string]map[string]int, len(run.Metrics))
	for k, v := range run.Metrics {
		cp.Metrics[k] = v
	}
	key := run.TenantID + "|" + run.RunID
	if prev, ok := m.runs[key]; ok {
		cp.StartedAt = prev.StartedAt
	}
	m.runs[key] = cp
	return nil
}

func (m *memStore) GetIngestionRun(_ context.Context, tenantID, runID string) (*model.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[tenantID+"|"+runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &run, nil
}

func (m *memStore) InsertRawDocument(_ context.Context, doc *model.RawDocument) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRaw[doc.ExternalID]; err != nil {
		return false, err
	}
	for _, d := range m.raw {
		if d.TenantID == doc.TenantID && d.Checksum == doc.Checksum {
			return false, nil
		}
	}
	m.raw = append(m.raw, *doc)
	return true, nil
}

func (m *memStore) ListRawDocuments(_ context.Context, tenantID, runID string) ([]model.RawDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RawDocument
	for _, d := range m.raw {
		if d.TenantID == tenantID && d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) InsertStagingRecord(_ context.Context, rec *model.StagingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging = append(m.staging, *rec)
	return nil
}

func (m *memStore) ListStagingRecords(_ context.Context, tenantID, runID string, status model.ValidationStatus) ([]model.StagingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StagingRecord
	for _, r := range m.staging {
		if r.TenantID == tenantID && r.RunID == runID && (status == "" || r.ValidationStatus == status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) FindEntityByName(_ context.Context, tenantID string, entityType model.EntityType, name string) (*model.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.TenantID == tenantID && e.EntityType == entityType && e.CanonicalName == name {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindEntityByAlias(_ context.Context, tenantID string, entityType model.EntityType, alias string) (*model.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.aliases {
		if a.TenantID != tenantID || a.Alias != alias {
			continue
		}
		for _, e := range m.entities {
			if e.TenantID == tenantID && e.EntityID == a.EntityID && e.EntityType == entityType {
				return &e, nil
			}
		}
	}
	return nil, nil
}

func (m *memStore) ListRecentEntities(_ context.Context, tenantID string, entityType model.EntityType, limit int) ([]model.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Entity
	for i := len(m.entities) - 1; i >= 0; i-- {
		e := m.entities[i]
		if e.TenantID == tenantID && e.EntityType == entityType {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateEntity(_ context.Context, e *model.Entity) (*model.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entities {
		if existing.TenantID == e.TenantID && existing.EntityType == e.EntityType && existing.CanonicalName == e.CanonicalName {
			return &existing, nil
		}
	}
	cp := *e
	m.entities = append(m.entities, cp)
	return &cp, nil
}

func (m *memStore) CreateAlias(_ context.Context, a *model.EntityAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.aliases {
		if existing.TenantID == a.TenantID && existing.EntityID == a.EntityID && existing.Alias == a.Alias {
			return nil
		}
	}
	m.aliases = append(m.aliases, *a)
	return nil
}

func (m *memStore) EnqueueReview(_ context.Context, item *model.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews = append(m.reviews, *item)
	return nil
}

func (m *memStore) ListReviewItems(_ context.Context, tenantID string, filter store.ReviewFilter) ([]model.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReviewItem
	for _, r := range m.reviews {
		if r.TenantID != tenantID ||
			(filter.Status != "" && r.Status != filter.Status) ||
			(filter.Kind != "" && r.Kind != filter.Kind) ||
			(filter.RunID != "" && r.RunID != filter.RunID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) ResolveReviewItem(_ context.Context, tenantID, id string, status model.ReviewStatus, reviewer, notes string) (*model.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reviews {
		r := &m.reviews[i]
		if r.TenantID != tenantID || r.ID != id {
			continue
		}
		if r.Status != model.ReviewPending {
			return nil, store.ErrReviewResolved
		}
		now := time.Now()
		r.Status, r.ReviewedBy, r.ReviewNotes, r.ReviewedAt = status, reviewer, notes, &now
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpsertCanonicalTender(_ context.Context, t *model.CanonicalTender) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tenders {
		if existing.TenantID == t.TenantID && existing.Source == t.Source && existing.ExternalID == t.ExternalID {
			cp := *t
			cp.CanonicalID = existing.CanonicalID
			m.tenders[i] = cp
			return cp.CanonicalID, nil
		}
	}
	m.tenders = append(m.tenders, *t)
	return t.CanonicalID, nil
}

func (m *memStore) ListCanonicalTenders(_ context.Context, tenantID string, publishedSince time.Time) ([]model.CanonicalTender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CanonicalTender
	for _, t := range m.tenders {
		if t.TenantID == tenantID && t.PublicationDate != nil && !t.PublicationDate.Before(publishedSince) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublicationDate.After(*out[j].PublicationDate) })
	return out, nil
}

func (m *memStore) InsertWeeklyFeatures(_ context.Context, features []model.WeeklyFeature) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = append(m.features, features...)
	return len(features), nil
}

func (m *memStore) ListWeeklyFeatures(_ context.Context, tenantID string) ([]model.WeeklyFeature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WeeklyFeature
	for i := len(m.features) - 1; i >= 0; i-- {
		if m.features[i].TenantID == tenantID {
			out = append(out, m.features[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WeekStart.After(out[j].WeekStart) })
	return out, nil
}

func (m *memStore) InsertMarketSignal(_ context.Context, s *model.MarketSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, *s)
	return nil
}

func (m *memStore) InsertRenewalSignal(_ context.Context, s *model.MarketSignal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.signals {
		if existing.Origin == model.SignalOriginRenewal && existing.TenantID == s.TenantID &&
			existing.SignalType == s.SignalType && existing.EntityID == s.EntityID {
			return false, nil
		}
	}
	m.signals = append(m.signals, *s)
	return true, nil
}

func (m *memStore) ListMarketSignals(_ context.Context, tenantID string) ([]model.MarketSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MarketSignal
	for i := len(m.signals) - 1; i >= 0; i-- {
		if m.signals[i].TenantID == tenantID {
			out = append(out, m.signals[i])
		}
	}
	return out, nil
}

func (m *memStore) InsertPrediction(_ context.Context, p *model.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions = append(m.predictions, *p)
	return nil
}

func (m *memStore) ListPredictions(_ context.Context, tenantID string) ([]model.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Prediction
	for i := len(m.predictions) - 1; i >= 0; i-- {
		if m.predictions[i].TenantID == tenantID {
			out = append(out, m.predictions[i])
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error    { return nil }
func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) reviewsOfKind(kind string) []model.ReviewItem {
	var out []model.ReviewItem
	for _, r := range m.reviews {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
