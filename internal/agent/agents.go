package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/schema"
)

// Merge decisions returned by the reconciler.
const (
	DecisionMerge       = "merge"
	DecisionSeparate    = "separate"
	DecisionNeedsReview = "needs_review"
)

// Candidate is an existing entity offered to the reconciler.
type Candidate struct {
	EntityID      string          `json:"entity_id"`
	CanonicalName string          `json:"canonical_name"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ReconcileInput asks whether Name is one of Candidates.
type ReconcileInput struct {
	Name       string      `json:"name"`
	EntityType string      `json:"entity_type"`
	Candidates []Candidate `json:"candidates"`
}

// ReconcileResult is the reconciler's validated answer.
type ReconcileResult struct {
	MergeDecision string           `json:"merge_decision"`
	CanonicalName string           `json:"canonical_name"`
	Confidence    float64          `json:"confidence"`
	Evidence      []model.Evidence `json:"evidence"`
}

// ClassifyInput is a tender to classify.
type ClassifyInput struct {
	TenderText string   `json:"tender_text"`
	CPVs       []string `json:"cpvs"`
	Title      string   `json:"title,omitempty"`
}

// Classification is the classifier's validated answer.
type Classification struct {
	Category      string   `json:"category"`
	Subcategory   string   `json:"subcategory"`
	Confidence    float64  `json:"confidence"`
	EvidenceTerms []string `json:"evidence_terms"`
}

// SignalsInput is source text to mine for market signals.
type SignalsInput struct {
	SourceURL   string `json:"source_url,omitempty"`
	ContentText string `json:"content_text"`
}

// ExtractedSignal is one signal found in source text.
type ExtractedSignal struct {
	SignalType      string  `json:"signal_type"`
	EntityHint      string  `json:"entity_hint"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	Strength        float64 `json:"strength"`
	SourceQuality   float64 `json:"source_quality"`
	EvidenceSnippet string  `json:"evidence_snippet"`
	SourceURL       string  `json:"source_url,omitempty"`
}

// SignalsResult is the signals agent's validated answer.
type SignalsResult struct {
	Signals []ExtractedSignal `json:"signals"`
}

// Agents is the set of structured agents the pipeline depends on.
type Agents interface {
	Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileResult, error)
	Classify(ctx context.Context, in ClassifyInput) (*Classification, error)
	ExtractSignals(ctx context.Context, in SignalsInput) (*SignalsResult, error)
}

// Reconcile runs the entity reconciliation agent.
func (g *Gateway) Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileResult, error) {
	var out ReconcileResult
	if err := g.Call(ctx, Request{Task: "Entity reconciliation", Input: in, Schema: schema.Reconciler}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Classify runs the tender classification agent.
func (g *Gateway) Classify(ctx context.Context, in ClassifyInput) (*Classification, error) {
	var out Classification
	if err := g.Call(ctx, Request{Task: "Tender classification", Input: in, Schema: schema.Classifier}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractSignals runs the market signal extraction agent.
func (g *Gateway) ExtractSignals(ctx context.Context, in SignalsInput) (*SignalsResult, error) {
	var out SignalsResult
	if err := g.Call(ctx, Request{Task: "Extract market signals from source text", Input: in, Schema: schema.Signals}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func userPrompt(task string, input any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", eris.Wrapf(err, "agent: marshal %s input", task)
	}
	return fmt.Sprintf("Task: %s.\nInput: %s", task, b), nil
}
