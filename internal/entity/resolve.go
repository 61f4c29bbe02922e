// Package entity resolves free-text buyer and supplier names to canonical
// entities.
package entity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/agent"
	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
)

// Store is the persistence the resolver needs.
type Store interface {
	FindEntityByName(ctx context.Context, tenantID string, entityType model.EntityType, name string) (*model.Entity, error)
	FindEntityByAlias(ctx context.Context, tenantID string, entityType model.EntityType, alias string) (*model.Entity, error)
	ListRecentEntities(ctx context.Context, tenantID string, entityType model.EntityType, limit int) ([]model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, error)
	CreateAlias(ctx context.Context, a *model.EntityAlias) error
	EnqueueReview(ctx context.Context, item *model.ReviewItem) error
}

// Reconciler decides whether a name matches one of a set of candidates.
type Reconciler interface {
	Reconcile(ctx context.Context, in agent.ReconcileInput) (*agent.ReconcileResult, error)
}

// Match methods reported in Resolution.
const (
	MethodExact      = "exact"
	MethodAlias      = "alias"
	MethodReconciled = "reconciled"
	MethodCreated    = "created"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Entity *model.Entity
	Method string
	// Queued is true when a low-confidence reconciliation was sent to review.
	Queued bool
}

// Resolver maps names to entities.
type Resolver struct {
	store          Store
	reconciler     Reconciler
	threshold      float64
	candidateLimit int
	now            func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used to stamp created rows.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a resolver using the pipeline thresholds.
func NewResolver(st Store, rec Reconciler, cfg config.PipelineConfig, opts ...Option) *Resolver {
	threshold := cfg.ReconcileThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	limit := cfg.CandidateLimit
	if limit <= 0 {
		limit = 20
	}
	r := &Resolver{
		store:          st,
		reconciler:     rec,
		threshold:      threshold,
		candidateLimit: limit,
		now:            time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the entity for name. The cascade is:
//  1. Exact canonical_name match for the tenant and type.
//  2. Exact alias match.
//  3. Reconciler agent over the most recently updated entities of the type.
//     A confident merge adds an alias to the chosen candidate; anything
//     else is queued for review and falls through.
//  4. Create a new entity with a deterministic alias.
//
// An empty name resolves to nil.
func (r *Resolver) Resolve(ctx context.Context, tenantID, runID string, entityType model.EntityType, name string) (*Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	log := zap.L().With(
		zap.String("tenant_id", tenantID),
		zap.String("entity_type", string(entityType)),
		zap.String("name", name),
	)

	existing, err := r.store.FindEntityByName(ctx, tenantID, entityType, name)
	if err != nil {
		return nil, eris.Wrap(err, "entity: resolve by name")
	}
	if existing != nil {
		return &Resolution{Entity: existing, Method: MethodExact}, nil
	}

	existing, err = r.store.FindEntityByAlias(ctx, tenantID, entityType, name)
	if err != nil {
		return nil, eris.Wrap(err, "entity: resolve by alias")
	}
	if existing != nil {
		log.Debug("resolve: matched by alias", zap.String("entity_id", existing.EntityID))
		return &Resolution{Entity: existing, Method: MethodAlias}, nil
	}

	candidates, err := r.store.ListRecentEntities(ctx, tenantID, entityType, r.candidateLimit)
	if err != nil {
		return nil, eris.Wrap(err, "entity: list candidates")
	}

	queued := false
	if len(candidates) > 0 {
		res, err := r.reconciler.Reconcile(ctx, agent.ReconcileInput{
			Name:       name,
			EntityType: string(entityType),
			Candidates: toCandidates(candidates),
		})
		if err != nil {
			return nil, err
		}

		if res.MergeDecision == agent.DecisionMerge && res.Confidence >= r.threshold {
			target := pickCandidate(candidates, res.CanonicalName)
			if err := r.store.CreateAlias(ctx, &model.EntityAlias{
				ID:         model.NewID(model.PrefixAlias),
				TenantID:   tenantID,
				EntityID:   target.EntityID,
				Alias:      name,
				Source:     model.AliasSourceReconciler,
				Confidence: res.Confidence,
				Evidence:   res.Evidence,
				CreatedAt:  r.now().UTC(),
			}); err != nil {
				return nil, eris.Wrap(err, "entity: create reconciled alias")
			}
			log.Info("resolve: merged by reconciler",
				zap.String("entity_id", target.EntityID),
				zap.Float64("confidence", res.Confidence),
			)
			return &Resolution{Entity: &target, Method: MethodReconciled}, nil
		}

		if err := r.enqueue(ctx, tenantID, runID, entityType, name, candidates, res); err != nil {
			return nil, err
		}
		queued = true
		log.Info("resolve: reconciliation queued for review",
			zap.String("decision", res.MergeDecision),
			zap.Float64("confidence", res.Confidence),
		)
	}

	now := r.now().UTC()
	created, err := r.store.CreateEntity(ctx, &model.Entity{
		TenantID:      tenantID,
		EntityID:      model.NewID(model.PrefixEntity),
		EntityType:    entityType,
		CanonicalName: name,
		Metadata:      json.RawMessage(`{}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, eris.Wrap(err, "entity: create")
	}

	if err := r.store.CreateAlias(ctx, &model.EntityAlias{
		ID:         model.NewID(model.PrefixAlias),
		TenantID:   tenantID,
		EntityID:   created.EntityID,
		Alias:      name,
		Source:     model.AliasSourceDeterministic,
		Confidence: 1,
		Evidence:   []model.Evidence{{Reason: "Exact canonical create", Field: "canonical_name", Score: 1}},
		CreatedAt:  now,
	}); err != nil {
		return nil, eris.Wrap(err, "entity: create alias")
	}

	log.Debug("resolve: created entity", zap.String("entity_id", created.EntityID))
	return &Resolution{Entity: created, Method: MethodCreated, Queued: queued}, nil
}

func (r *Resolver) enqueue(ctx context.Context, tenantID, runID string, entityType model.EntityType, name string, candidates []model.Entity, res *agent.ReconcileResult) error {
	candidateJSON, err := json.Marshal(map[string]any{
		"type":        model.ReviewKindEntity,
		"input_name":  name,
		"entity_type": entityType,
		"candidates":  candidates,
	})
	if err != nil {
		return eris.Wrap(err, "entity: marshal review candidate")
	}
	output, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "entity: marshal agent output")
	}

	if err := r.store.EnqueueReview(ctx, &model.ReviewItem{
		ID:          model.NewID(model.PrefixReview),
		TenantID:    tenantID,
		RunID:       runID,
		Kind:        model.ReviewKindEntity,
		Candidate:   candidateJSON,
		AgentOutput: output,
		Status:      model.ReviewPending,
		CreatedAt:   r.now().UTC(),
	}); err != nil {
		return eris.Wrap(err, "entity: enqueue review")
	}
	metrics.ReviewQueued.WithLabelValues(model.ReviewKindEntity).Inc()
	return nil
}

func toCandidates(entities []model.Entity) []agent.Candidate {
	out := make([]agent.Candidate, len(entities))
	for i, e := range entities {
		out[i] = agent.Candidate{
			EntityID:      e.EntityID,
			CanonicalName: e.CanonicalName,
			Metadata:      e.Metadata,
		}
	}
	return out
}

// pickCandidate returns the candidate named by the reconciler, or the most
// recently updated one.
func pickCandidate(candidates []model.Entity, canonicalName string) model.Entity {
	for _, c := range candidates {
		if c.CanonicalName == canonicalName {
			return c
		}
	}
	return candidates[0]
}
