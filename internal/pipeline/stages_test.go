package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/pkg/renewal"
)

func TestChecksum(t *testing.T) {
	in := RawInput{RawText: "body", RawJSON: map[string]any{"b": 2.0, "a": "x"}}
	sum, raw, err := Checksum(in)
	require.NoError(t, err)

	expected := sha256.Sum256([]byte(`{"a":"x","b":2}body`))
	assert.Equal(t, hex.EncodeToString(expected[:]), sum)
	assert.JSONEq(t, `{"a":"x","b":2}`, string(raw))

	reordered := RawInput{RawText: "body", RawJSON: map[string]any{"a": "x", "b": 2.0}}
	again, _, err := Checksum(reordered)
	require.NoError(t, err)
	assert.Equal(t, sum, again)

	textOnly, raw, err := Checksum(RawInput{RawText: "body"})
	require.NoError(t, err)
	assert.Nil(t, raw)
	expected = sha256.Sum256([]byte(`{}body`))
	assert.Equal(t, hex.EncodeToString(expected[:]), textOnly)
}

func TestParseRaw_FallbackKeys(t *testing.T) {
	doc := model.RawDocument{
		Source:     "etenders",
		SourceURL:  "https://example.ie/doc",
		ExternalID: "fallback-id",
		RawJSON: mustJSON(map[string]any{
			"source_notice_id":      "SN-9",
			"notice_title":          "  Road resurfacing ",
			"contracting_authority": "Galway County Council",
			"cpv":                   []any{"45233222", " ", "45000000"},
			"closing_date":          "2026-05-01T12:00:00",
			"estimated_value":       "75000.50",
		}),
	}
	parsed := ParseRaw(doc)

	assert.Equal(t, "etenders", parsed.Source)
	assert.Equal(t, "SN-9", parsed.ExternalID)
	assert.Equal(t, "Road resurfacing", parsed.Title)
	assert.Equal(t, "Galway County Council", parsed.BuyerName)
	assert.Equal(t, []string{"45233222", "45000000"}, parsed.CPVCodes)
	assert.Equal(t, "2026-05-01", parsed.DeadlineDate)
	assert.Empty(t, parsed.PublicationDate)
	require.NotNil(t, parsed.EstimatedValue)
	assert.Equal(t, 75000.50, *parsed.EstimatedValue)
	assert.Equal(t, "EUR", parsed.Currency)
	assert.Equal(t, "https://example.ie/doc", parsed.SourceURL)
	assert.Equal(t, "Road resurfacing", parsed.RawText)
}

func TestParseRaw_NoJSON(t *testing.T) {
	parsed := ParseRaw(model.RawDocument{Source: "ted", ExternalID: "E-1", RawText: "free text"})
	assert.Equal(t, "E-1", parsed.ExternalID)
	assert.Empty(t, parsed.Title)
	assert.Equal(t, []string{}, parsed.CPVCodes)
	assert.Nil(t, parsed.EstimatedValue)
	assert.Equal(t, "free text", parsed.RawText)
}

func TestParseRaw_URLAndCurrencyFromJSON(t *testing.T) {
	parsed := ParseRaw(model.RawDocument{
		SourceURL: "https://fallback",
		RawJSON:   mustJSON(map[string]any{"url": "https://primary", "currency": "GBP", "subject": "Catering", "id": 42.0}),
	})
	assert.Equal(t, "https://primary", parsed.SourceURL)
	assert.Equal(t, "GBP", parsed.Currency)
	assert.Equal(t, "Catering", parsed.Title)
	assert.Equal(t, "42", parsed.ExternalID)
}

func TestStage(t *testing.T) {
	valid := Stage(model.RawDocument{
		TenantID: "t1",
		RunID:    "r1",
		RawJSON:  mustJSON(map[string]any{"id": "N-1", "title": "Printing"}),
	})
	assert.Equal(t, model.ValidationValid, valid.ValidationStatus)
	assert.Equal(t, "N-1", valid.ExternalID)
	assert.Equal(t, []string{}, valid.Errors)
	assert.Equal(t, "t1", valid.TenantID)

	missingTitle := Stage(model.RawDocument{RawJSON: mustJSON(map[string]any{"id": "N-2"})})
	assert.Equal(t, model.ValidationInvalid, missingTitle.ValidationStatus)
	assert.Equal(t, []string{"Missing external_id or title"}, missingTitle.Errors)
	assert.Equal(t, "N-2", missingTitle.ExternalID)

	missingID := Stage(model.RawDocument{RawJSON: mustJSON(map[string]any{"title": "Printing"})})
	assert.Equal(t, model.ValidationInvalid, missingID.ValidationStatus)
	assert.Regexp(t, `^missing_[0-9a-f]{20}$`, missingID.ExternalID)
	assert.Empty(t, missingID.Parsed.ExternalID)
}

func TestWeekStart(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WeekStart(tt.in), tt.in.String())
	}
}

func TestAggregateWeekly(t *testing.T) {
	day := func(d int) *time.Time {
		v := time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
		return &v
	}
	value := func(v float64) *float64 { return &v }
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tenders := []model.CanonicalTender{
		{BuyerEntityID: "ent_a", Category: "IT", CPVCodes: []string{"72000000"}, PublicationDate: day(2), EstimatedValue: value(100)},
		{BuyerEntityID: "ent_a", Category: "IT", CPVCodes: []string{"72500000"}, PublicationDate: day(4), EstimatedValue: value(300)},
		{BuyerEntityID: "ent_a", Category: "IT", CPVCodes: []string{"72000000"}, PublicationDate: day(5)},
		{Category: "Works", CPVCodes: nil, PublicationDate: day(10)},
		{BuyerEntityID: "ent_a", Category: "IT", PublicationDate: &old},
		{BuyerEntityID: "ent_a", Category: "IT"},
	}
	features := AggregateWeekly(tenders, cutoff)
	require.Len(t, features, 2)

	it := features[0]
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), it.WeekStart)
	assert.Equal(t, "ent_a", it.BuyerEntityID)
	assert.Equal(t, "72", it.CPVFamily)
	assert.Equal(t, 3, it.TenderCount)
	require.NotNil(t, it.AvgValue)
	assert.Equal(t, 200.0, *it.AvgValue)
	require.NotNil(t, it.MedianDaysBetween)
	assert.Equal(t, 300.0, *it.MedianDaysBetween)

	works := features[1]
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), works.WeekStart)
	assert.Empty(t, works.BuyerEntityID)
	assert.Equal(t, "unknown", works.CPVFamily)
	assert.Nil(t, works.AvgValue)
	assert.Nil(t, works.MedianDaysBetween)
}

func TestFeaturePredictions(t *testing.T) {
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	var features []model.WeeklyFeature
	for i := range 10 {
		features = append(features, model.WeeklyFeature{
			WeekStart:     WeekStart(now).AddDate(0, 0, -7*i),
			BuyerEntityID: "ent_a",
			Category:      "IT",
			CPVFamily:     "72",
			TenderCount:   20,
		})
	}
	features = append(features, model.WeeklyFeature{Category: "Works", CPVFamily: "45", TenderCount: 0})

	var signals []model.MarketSignal
	for range 7 {
		signals = append(signals, model.MarketSignal{EntityID: "ent_a", SignalType: "budget_signal", SignalStrength: 1, SourceQuality: 1, EvidenceSnippet: "budget"})
	}

	preds := FeaturePredictions(features, signals, "agentic-v1", "next_12_months", now)
	require.Len(t, preds, 2)

	busy := preds[0]
	assert.Equal(t, "ent_a", busy.BuyerID)
	assert.InDelta(t, 84.48, busy.ConfidenceBreakdown.OverallConfidence, 1e-9)
	assert.InDelta(t, 0.93792, busy.Probability, 1e-9)
	assert.Len(t, busy.Evidence, 5)
	assert.Equal(t, "History weeks 10", busy.TopDrivers[2])
	assert.Equal(t, now, busy.GeneratedAt)

	quiet := preds[1]
	assert.Empty(t, quiet.BuyerID)
	assert.Equal(t, "Works", quiet.Category)
	assert.Equal(t, 0.0, quiet.ConfidenceBreakdown.SignalConfidence)
	assert.Empty(t, quiet.Evidence)
	assert.GreaterOrEqual(t, quiet.Probability, 0.05)
	assert.Equal(t, "Signal count 0", quiet.TopDrivers[1])
}

func TestRenewalProbability(t *testing.T) {
	tests := []struct {
		name      string
		conf      float64
		urgency   string
		contracts int
		want      float64
	}{
		{"capped", 0.8, renewal.UrgencyImminent, 12, 0.98},
		{"upcoming", 0.5, renewal.UrgencyUpcoming, 0, 0.55},
		{"history boost", 0.5, "", 1, 0.6},
		{"floor", -0.5, "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RenewalProbability(tt.conf, tt.urgency, tt.contracts), 1e-9)
		})
	}
}

func TestRenewalPredictions_SkipsCoveredPairs(t *testing.T) {
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	covered := renewalSignal()
	covered.BuyerID = "buyer-covered"

	fresh := renewalSignal()
	fresh.TotalContracts = 2
	fresh.Confidence = 0.55
	fresh.Urgency = renewal.UrgencyUpcoming

	dup := fresh
	dup.SignalType = "contract_expiry"

	existing := []model.Prediction{{BuyerID: "buyer-covered", CPVFamily: "72"}}
	preds, err := RenewalPredictions([]renewal.Signal{covered, fresh, dup}, existing, "renewal-v1", now)
	require.NoError(t, err)
	require.Len(t, preds, 1)

	p := preds[0]
	assert.Equal(t, "buyer-1", p.BuyerID)
	assert.Equal(t, "cluster_it_software", p.Category)
	assert.Equal(t, 25.0, p.ConfidenceBreakdown.DataConfidence)
	assert.InDelta(t, 16.5, p.ConfidenceBreakdown.SignalConfidence, 1e-9)
	assert.Equal(t, 20.0, p.ConfidenceBreakdown.ModelConfidence)
	assert.Equal(t, 55.0, p.ConfidenceBreakdown.OverallConfidence)
	assert.InDelta(t, 0.70, p.Probability, 1e-9)
	assert.Len(t, p.TopDrivers, 5)
	assert.Equal(t, "2026-09-01", p.PredictedTenderDate)
	require.Len(t, p.Evidence, 1)
	assert.Contains(t, p.Evidence[0].EvidenceSnippet, "Acme Ltd")

	var source map[string]any
	require.NoError(t, json.Unmarshal(p.RenewalSource, &source))
	assert.Equal(t, "Dublin City Council", source["buyer_name"])
	assert.Equal(t, []any{"Acme Ltd"}, source["incumbent_suppliers"])
}
