package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
	"success": true,
	"total_signals": 1,
	"signals": [{
		"signal_type": "framework_expiry",
		"buyer_id": "buyer-1",
		"buyer_name": "Dublin City Council",
		"cpv_cluster": "cluster_it_software",
		"country": "IE",
		"confidence": 0.92,
		"urgency": "imminent",
		"days_until_expiry": 45,
		"predicted_tender_date": "2026-09-01",
		"latest_contract_end": "2026-12-01",
		"total_contracts": 4,
		"expiring_count": 2,
		"avg_duration_months": 36,
		"total_value_eur": 1250000.4,
		"avg_value_eur": 625000,
		"distinct_suppliers": 2,
		"incumbent_suppliers": ["Acme Ltd", "Beta plc"],
		"has_frameworks": true,
		"expiring_contracts": [{"supplier": "Acme Ltd", "value_eur": 12500.5, "start_date": "2023-12-01", "end_date": "2026-12-01", "duration_months": 36, "is_framework": true}]
	}],
	"summary": {"imminent": 1}
}`

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, rpcPath, r.URL.Path)
		assert.Equal(t, "Bearer svc-key", r.Header.Get("Authorization"))
		assert.Equal(t, "svc-key", r.Header.Get("apikey"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, 18.0, req["p_months_ahead"])
		assert.Equal(t, 50000.0, req["p_min_value_eur"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "svc-key").Fetch(context.Background(), 18, 50000)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Signals, 1)

	sig := resp.Signals[0]
	assert.Equal(t, "buyer-1", sig.BuyerID)
	assert.Equal(t, 0.92, sig.Confidence)
	assert.Equal(t, []string{"Acme Ltd", "Beta plc"}, sig.IncumbentSuppliers)
	require.Len(t, sig.ExpiringContracts, 1)
	assert.True(t, sig.ExpiringContracts[0].IsFramework)
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusServiceUnavailable, "down", "unexpected status 503"},
		{"unauthorized", http.StatusUnauthorized, "no", "unexpected status 401"},
		{"malformed", http.StatusOK, "{nope", "unmarshal response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewClient(srv.URL, "k").Fetch(context.Background(), 18, 0)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFetch_StatusErrorType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").Fetch(context.Background(), 18, 0)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", WithTimeout(20*time.Millisecond)).Fetch(context.Background(), 18, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
}

func TestCPVFamily(t *testing.T) {
	assert.Equal(t, "72", CPVFamily("cluster_it_software"))
	assert.Equal(t, "09", CPVFamily("cluster_energy"))
	assert.Equal(t, "wa", CPVFamily("cluster_water"))
	assert.Equal(t, "x", CPVFamily("cluster_x"))
}

func TestSignalFormatting(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(sampleResponse), &resp))
	sig := resp.Signals[0]

	assert.Equal(t,
		"Dublin City Council: 2 cluster_it_software contract(s) expiring imminent (45 days). €1,250,000 total value. 2 incumbent supplier(s).",
		sig.Snippet())

	drivers := sig.Drivers()
	require.Len(t, drivers, 8)
	assert.Equal(t, "Contract end date: 2026-12-01 (45 days)", drivers[0])
	assert.Equal(t, "€1,250,000 total value", drivers[4])
	assert.Equal(t, "Framework agreement detected", drivers[6])
	assert.Equal(t, "Average duration: 36 months", drivers[7])

	assert.Equal(t, "Acme Ltd: €12,500.5, ends 2026-12-01", sig.ExpiringContracts[0].Summary())
	assert.Equal(t, "Beta: N/A, ends 2027-01-01", (&Contract{Supplier: "Beta", EndDate: "2027-01-01"}).Summary())
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "€0", Money(0))
	assert.Equal(t, "€1,000", Money(999.6))
}
