package main

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/store"
)

// --- Runner Mock ---

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

// --- Review Store Mock ---

type mockReviewStore struct {
	mock.Mock
}

func (m *mockReviewStore) ListReviewItems(ctx context.Context, tenantID string, filter store.ReviewFilter) ([]model.ReviewItem, error) {
	args := m.Called(ctx, tenantID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ReviewItem), args.Error(1)
}

func (m *mockReviewStore) ResolveReviewItem(ctx context.Context, tenantID, id string, status model.ReviewStatus, reviewer, notes string) (*model.ReviewItem, error) {
	args := m.Called(ctx, tenantID, id, status, reviewer, notes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReviewItem), args.Error(1)
}
