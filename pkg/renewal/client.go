// Package renewal fetches contract-expiry renewal signals from the award
// records service.
package renewal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const rpcPath = "/rest/v1/rpc/get_renewal_signals"

// Urgency values reported by the service.
const (
	UrgencyImminent = "imminent"
	UrgencyUpcoming = "upcoming"
)

// Contract is one expiring contract backing a renewal signal.
type Contract struct {
	Supplier       string   `json:"supplier"`
	ValueEUR       *float64 `json:"value_eur"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	DurationMonths float64  `json:"duration_months"`
	IsFramework    bool     `json:"is_framework"`
}

// Signal is a renewal signal for one buyer and CPV cluster.
type Signal struct {
	SignalType          string     `json:"signal_type"`
	BuyerID             string     `json:"buyer_id"`
	BuyerName           string     `json:"buyer_name"`
	CPVCluster          string     `json:"cpv_cluster"`
	Country             string     `json:"country"`
	Confidence          float64    `json:"confidence"`
	Urgency             string     `json:"urgency"`
	DaysUntilExpiry     int        `json:"days_until_expiry"`
	PredictedTenderDate string     `json:"predicted_tender_date"`
	LatestContractEnd   string     `json:"latest_contract_end"`
	TotalContracts      int        `json:"total_contracts"`
	ExpiringCount       int        `json:"expiring_count"`
	AvgDurationMonths   float64    `json:"avg_duration_months"`
	TotalValueEUR       float64    `json:"total_value_eur"`
	AvgValueEUR         float64    `json:"avg_value_eur"`
	DistinctSuppliers   int        `json:"distinct_suppliers"`
	IncumbentSuppliers  []string   `json:"incumbent_suppliers"`
	HasFrameworks       bool       `json:"has_frameworks"`
	ExpiringContracts   []Contract `json:"expiring_contracts"`
}

// Response is the RPC result.
type Response struct {
	Success      bool           `json:"success"`
	TotalSignals int            `json:"total_signals"`
	Signals      []Signal       `json:"signals"`
	Summary      map[string]any `json:"summary"`
}

// Source returns renewal signals for contracts expiring within monthsAhead
// months whose value is at least minValueEUR.
type Source interface {
	Fetch(ctx context.Context, monthsAhead int, minValueEUR float64) (*Response, error)
}

// StatusError is returned for a non-2xx RPC response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("renewal: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewClient creates a renewal RPC client for the service at baseURL.
func NewClient(baseURL, key string, opts ...Option) Source {
	c := &httpClient{
		baseURL: baseURL,
		key:     key,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type rpcRequest struct {
	MonthsAhead int     `json:"p_months_ahead"`
	MinValueEUR float64 `json:"p_min_value_eur"`
}

func (c *httpClient) Fetch(ctx context.Context, monthsAhead int, minValueEUR float64) (*Response, error) {
	body, err := json.Marshal(rpcRequest{MonthsAhead: monthsAhead, MinValueEUR: minValueEUR})
	if err != nil {
		return nil, eris.Wrap(err, "renewal: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "renewal: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "renewal: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "renewal: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "renewal: unmarshal response")
	}
	return &result, nil
}
