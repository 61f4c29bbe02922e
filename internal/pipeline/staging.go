package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
)

const errMissingCore = "Missing external_id or title"

// StagingResult summarises the staging stage.
type StagingResult struct {
	Valid   int              `json:"valid"`
	Invalid int              `json:"invalid"`
	Errors  []model.RunError `json:"errors"`
}

// parseToStaging writes one StagingRecord per raw document of the run.
func (p *Pipeline) parseToStaging(ctx context.Context, tr *runTracker, req *RunRequest) (*StagingResult, error) {
	docs, err := p.store.ListRawDocuments(ctx, req.TenantID, req.RunID)
	if err != nil {
		return nil, err
	}

	res := &StagingResult{}
	for _, doc := range docs {
		rec := Stage(doc)
		rec.ID = model.NewID(model.PrefixStaging)
		rec.CreatedAt = p.now().UTC()

		if err := p.store.InsertStagingRecord(ctx, rec); err != nil {
			if isFatal(err) {
				return res, err
			}
			if capErr := tr.record(StageStaging, rec.ExternalID, err); capErr != nil {
				res.Errors = tr.stageErrors(StageStaging)
				return res, capErr
			}
			continue
		}
		if rec.ValidationStatus == model.ValidationValid {
			res.Valid++
		} else {
			res.Invalid++
		}
	}
	res.Errors = tr.stageErrors(StageStaging)

	metrics.AddRecords(StageStaging, "valid", res.Valid)
	metrics.AddRecords(StageStaging, "invalid", res.Invalid)
	return res, tr.finishStage(ctx, StageStaging, map[string]int{
		"valid":   res.Valid,
		"invalid": res.Invalid,
		"errors":  len(res.Errors),
	})
}

// Stage extracts the normalized candidate from a raw document. A record is
// valid iff it has both an external id and a title; an invalid record gets
// a placeholder external id so it stays traceable. ID and CreatedAt are left
// for the caller.
func Stage(doc model.RawDocument) *model.StagingRecord {
	parsed := ParseRaw(doc)
	rec := &model.StagingRecord{
		TenantID:         doc.TenantID,
		RunID:            doc.RunID,
		ExternalID:       parsed.ExternalID,
		Parsed:           parsed,
		ValidationStatus: model.ValidationValid,
		Errors:           []string{},
	}
	if parsed.ExternalID == "" || parsed.Title == "" {
		rec.ValidationStatus = model.ValidationInvalid
		rec.Errors = []string{errMissingCore}
	}
	if rec.ExternalID == "" {
		rec.ExternalID = model.NewID("missing")
	}
	return rec
}

// ParseRaw maps the loosely keyed raw_json of a notice onto ParsedTender.
// Each field takes the first non-empty of several source spellings.
func ParseRaw(doc model.RawDocument) model.ParsedTender {
	fields := map[string]any{}
	if len(doc.RawJSON) > 0 {
		var m map[string]any
		if json.Unmarshal(doc.RawJSON, &m) == nil && m != nil {
			fields = m
		}
	}

	title := strings.TrimSpace(first(fields, "title", "notice_title", "subject"))
	rawText := doc.RawText
	if rawText == "" {
		rawText = title
	}
	sourceURL := first(fields, "url")
	if sourceURL == "" {
		sourceURL = doc.SourceURL
	}
	currency := first(fields, "currency")
	if currency == "" {
		currency = "EUR"
	}
	externalID := first(fields, "source_notice_id", "id")
	if externalID == "" {
		externalID = doc.ExternalID
	}

	return model.ParsedTender{
		Source:          doc.Source,
		ExternalID:      strings.TrimSpace(externalID),
		Title:           title,
		BuyerName:       strings.TrimSpace(first(fields, "buyer_name", "organisation", "contracting_authority")),
		CPVCodes:        normalizeCPVs(firstValue(fields, "cpv_codes", "cpv", "cpvCode")),
		PublicationDate: truncate(first(fields, "publication_date", "published_date"), 10),
		DeadlineDate:    truncate(first(fields, "deadline_date", "closing_date", "deadline"), 10),
		EstimatedValue:  toFloat(firstValue(fields, "estimated_value")),
		Currency:        currency,
		SourceURL:       sourceURL,
		RawText:         rawText,
		Fields:          fields,
	}
}

// firstValue returns the first present, non-empty value among keys.
func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && present(v) {
			return v
		}
	}
	return nil
}

func first(m map[string]any, keys ...string) string {
	v := firstValue(m, keys...)
	if v == nil {
		return ""
	}
	return toString(v)
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case float64:
		return x != 0
	case bool:
		return x
	default:
		return true
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = toString(e)
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// normalizeCPVs accepts an array or a comma-separated string.
func normalizeCPVs(v any) []string {
	var parts []string
	switch x := v.(type) {
	case nil:
		return []string{}
	case []any:
		for _, e := range x {
			parts = append(parts, toString(e))
		}
	default:
		parts = strings.Split(toString(x), ",")
	}
	out := []string{}
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
