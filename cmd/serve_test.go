package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/store"
)

func serveRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestRouter_Health(t *testing.T) {
	rr := serveRequest(t, buildRouter(nil, nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decodeBody(t, rr)["status"])
}

func TestRouter_Metrics(t *testing.T) {
	rr := serveRequest(t, buildRouter(nil, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRouter_CORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	buildRouter(nil, nil).ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Run(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r pipeline.RunRequest) bool {
		return r.TenantID == "t1" && len(r.Documents) == 1
	})).Return(&pipeline.Result{
		RunID:    "r1",
		TenantID: "t1",
		Status:   model.RunStatusPartial,
		Ingest:   &pipeline.IngestResult{Attempted: 1, Inserted: 1, Errors: []model.RunError{}},
	}, nil)

	rr := serveRequest(t, buildRouter(runner, nil), http.MethodPost, "/v1/runs",
		`{"run_id":"r1","tenant_id":"t1","source":"ted","documents":[{"raw_text":"x"}]}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "partial", body["status"])
	assert.Equal(t, "r1", body["run_id"])
	runner.AssertExpectations(t)
}

func TestRouter_Run_BadBody(t *testing.T) {
	rr := serveRequest(t, buildRouter(&mockRunner{}, nil), http.MethodPost, "/v1/runs", `{`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid request body", decodeBody(t, rr)["error"])
}

func TestRouter_Run_InvalidRequest(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Return(nil, &pipeline.RequestError{Problems: []string{"documents must contain at least 1 item(s)"}})

	rr := serveRequest(t, buildRouter(runner, nil), http.MethodPost, "/v1/runs", `{"tenant_id":"t1","source":"ted"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, []any{"documents must contain at least 1 item(s)"}, decodeBody(t, rr)["problems"])
}

func TestRouter_Run_Failure(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Return(&pipeline.Result{RunID: "r1", Status: model.RunStatusFail}, errors.New("pipeline: stage ingest: capacity exceeded"))

	rr := serveRequest(t, buildRouter(runner, nil), http.MethodPost, "/v1/runs",
		`{"run_id":"r1","tenant_id":"t1","source":"ted","documents":[{"raw_text":"x"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	body := decodeBody(t, rr)
	assert.Contains(t, body["error"], "capacity exceeded")
	assert.Equal(t, "fail", body["result"].(map[string]any)["status"])
}

func TestRouter_ListReview(t *testing.T) {
	st := &mockReviewStore{}
	st.On("ListReviewItems", mock.Anything, "t1", store.ReviewFilter{Status: model.ReviewPending, Kind: "signal", Limit: 10}).
		Return([]model.ReviewItem{{ID: "reconq_1", Kind: "signal", Status: model.ReviewPending, CreatedAt: time.Now()}}, nil)

	rr := serveRequest(t, buildRouter(nil, st), http.MethodGet, "/v1/review?tenant_id=t1&status=pending&kind=signal&limit=10", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	items := decodeBody(t, rr)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "reconq_1", items[0].(map[string]any)["id"])
	st.AssertExpectations(t)
}

func TestRouter_ListReview_Validation(t *testing.T) {
	h := buildRouter(nil, &mockReviewStore{})

	rr := serveRequest(t, h, http.MethodGet, "/v1/review", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serveRequest(t, h, http.MethodGet, "/v1/review?tenant_id=t1&limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_ListReview_Empty(t *testing.T) {
	st := &mockReviewStore{}
	st.On("ListReviewItems", mock.Anything, "t1", store.ReviewFilter{}).Return(nil, nil)

	rr := serveRequest(t, buildRouter(nil, st), http.MethodGet, "/v1/review?tenant_id=t1", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"items":[]}`, rr.Body.String())
}

func TestRouter_ResolveReview(t *testing.T) {
	st := &mockReviewStore{}
	st.On("ResolveReviewItem", mock.Anything, "t1", "reconq_1", model.ReviewApproved, "ana", "same council").
		Return(&model.ReviewItem{ID: "reconq_1", Status: model.ReviewApproved, ReviewedBy: "ana"}, nil)

	rr := serveRequest(t, buildRouter(nil, st), http.MethodPost, "/v1/review/reconq_1",
		`{"tenant_id":"t1","decision":"approve","reviewer":"ana","notes":"same council"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "approved", decodeBody(t, rr)["status"])
	st.AssertExpectations(t)
}

func TestRouter_ResolveReview_Errors(t *testing.T) {
	st := &mockReviewStore{}
	st.On("ResolveReviewItem", mock.Anything, "t1", "missing", model.ReviewRejected, "ana", "").
		Return(nil, eris.Wrapf(store.ErrNotFound, "review item %s", "missing"))
	st.On("ResolveReviewItem", mock.Anything, "t1", "done", model.ReviewRejected, "ana", "").
		Return(nil, eris.Wrapf(store.ErrReviewResolved, "review item %s is approved", "done"))
	h := buildRouter(nil, st)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad body", "/v1/review/x", `{`, http.StatusBadRequest},
		{"bad decision", "/v1/review/x", `{"tenant_id":"t1","decision":"maybe","reviewer":"ana"}`, http.StatusBadRequest},
		{"missing reviewer", "/v1/review/x", `{"tenant_id":"t1","decision":"reject"}`, http.StatusBadRequest},
		{"not found", "/v1/review/missing", `{"tenant_id":"t1","decision":"reject","reviewer":"ana"}`, http.StatusNotFound},
		{"already resolved", "/v1/review/done", `{"tenant_id":"t1","decision":"reject","reviewer":"ana"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serveRequest(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}
