package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/tender-intel/internal/agent"
	"github.com/sells-group/tender-intel/pkg/renewal"
)

// --- Agents Mock ---

type mockAgents struct {
	mock.Mock
}

func (m *mockAgents) Reconcile(ctx context.Context, in agent.ReconcileInput) (*agent.ReconcileResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.ReconcileResult), args.Error(1)
}

func (m *mockAgents) Classify(ctx context.Context, in agent.ClassifyInput) (*agent.Classification, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.Classification), args.Error(1)
}

func (m *mockAgents) ExtractSignals(ctx context.Context, in agent.SignalsInput) (*agent.SignalsResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.SignalsResult), args.Error(1)
}

// --- Renewal Mock ---

type mockRenewal struct {
	mock.Mock
}

func (m *mockRenewal) Fetch(ctx context.Context, monthsAhead int, minValueEUR float64) (*renewal.Response, error) {
	args := m.Called(ctx, monthsAhead, minValueEUR)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*renewal.Response), args.Error(1)
}
