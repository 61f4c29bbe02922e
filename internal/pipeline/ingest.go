package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/model"
)

// IngestResult summarises the ingest stage.
type IngestResult struct {
	Attempted  int              `json:"attempted"`
	Inserted   int              `json:"inserted"`
	Duplicates int              `json:"duplicates"`
	Errors     []model.RunError `json:"errors"`
}

// Checksum returns the hex SHA-256 of the serialised raw_json followed by
// raw_text, together with the serialised raw_json. A document without
// raw_json hashes as "{}" and yields nil JSON. Object keys serialise in
// sorted order.
func Checksum(in RawInput) (string, json.RawMessage, error) {
	payload := []byte("{}")
	var rawJSON json.RawMessage
	if len(in.RawJSON) > 0 {
		b, err := json.Marshal(in.RawJSON)
		if err != nil {
			return "", nil, eris.Wrap(err, "pipeline: marshal raw_json")
		}
		payload = b
		rawJSON = b
	}
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(in.RawText))
	return hex.EncodeToString(h.Sum(nil)), rawJSON, nil
}

// ingest persists each document unless its checksum already exists for the
// tenant. Duplicates are not errors.
func (p *Pipeline) ingest(ctx context.Context, tr *runTracker, req *RunRequest) (*IngestResult, error) {
	res := &IngestResult{Attempted: len(req.Documents)}
	if err := tr.start(ctx, res.Attempted); err != nil {
		return res, err
	}

	failed := 0
	for _, doc := range req.Documents {
		inserted, err := p.ingestOne(ctx, req, doc)
		if err != nil {
			if isFatal(err) {
				return res, err
			}
			failed++
			if capErr := tr.record(StageIngest, doc.ExternalID, err); capErr != nil {
				res.Errors = tr.stageErrors(StageIngest)
				return res, capErr
			}
			continue
		}
		if inserted {
			res.Inserted++
		}
	}
	res.Duplicates = max(res.Attempted-res.Inserted-failed, 0)
	res.Errors = tr.stageErrors(StageIngest)

	metrics.AddRecords(StageIngest, "inserted", res.Inserted)
	metrics.AddRecords(StageIngest, "duplicate", res.Duplicates)
	return res, tr.finishStage(ctx, StageIngest, map[string]int{
		"attempted":  res.Attempted,
		"inserted":   res.Inserted,
		"duplicates": res.Duplicates,
		"errors":     failed,
	})
}

func (p *Pipeline) ingestOne(ctx context.Context, req *RunRequest, doc RawInput) (bool, error) {
	checksum, rawJSON, err := Checksum(doc)
	if err != nil {
		return false, err
	}

	now := p.now().UTC()
	fetchedAt := now
	if doc.FetchedAt != nil {
		fetchedAt = *doc.FetchedAt
	}
	docType := doc.DocumentType
	if docType == "" {
		docType = "tender"
	}

	inserted, err := p.store.InsertRawDocument(ctx, &model.RawDocument{
		ID:           model.NewID(model.PrefixRawDocument),
		TenantID:     req.TenantID,
		RunID:        req.RunID,
		Source:       doc.Source,
		SourceURL:    doc.SourceURL,
		DocumentType: docType,
		ExternalID:   doc.ExternalID,
		RawText:      doc.RawText,
		RawJSON:      rawJSON,
		FetchedAt:    fetchedAt,
		Checksum:     checksum,
		CreatedAt:    now,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		zap.L().Debug("pipeline: duplicate raw document",
			zap.String("tenant_id", req.TenantID),
			zap.String("external_id", doc.ExternalID),
			zap.String("checksum", checksum),
		)
	}
	return inserted, nil
}
