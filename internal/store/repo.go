package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/db"
	"github.com/sells-group/tender-intel/internal/model"
)

type scannable interface {
	Scan(dest ...any) error
}

type rowIter interface {
	scannable
	Next() bool
	Err() error
	Close()
}

// backend adapts a driver to the shared repository.
type backend interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) scannable
	query(ctx context.Context, query string, args ...any) (rowIter, error)
	isNoRows(err error) bool
}

// repo implements the table operations shared by both backends. Queries are
// written with ? placeholders and rebound for the driver.
type repo struct {
	b    backend
	bind int
	ph   db.Placeholder
	name string
}

func (r *repo) q(query string) string {
	return sqlx.Rebind(r.bind, query)
}

func (r *repo) insert(stmt db.Insert) string {
	stmt.Placeholder = r.ph
	return stmt.MustSQL()
}

func (r *repo) wrap(err error, action string) error {
	if err == nil {
		return nil
	}
	return eris.Wrapf(err, "%s: %s", r.name, action)
}

// --- Ingestion runs ---

var runColumns = []string{"tenant_id", "run_id", "source", "cursor", "status", "started_at", "finished_at", "metrics", "errors"}

func (r *repo) UpsertIngestionRun(ctx context.Context, run *model.IngestionRun) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return r.wrap(err, "marshal run metrics")
	}
	errs := run.Errors
	if errs == nil {
		errs = []model.RunError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return r.wrap(err, "marshal run errors")
	}

	// started_at is kept from the first write.
	_, err = r.b.exec(ctx, r.insert(db.Insert{
		Table:        "ingestion_runs",
		Columns:      runColumns,
		ConflictKeys: []string{"tenant_id", "run_id"},
		UpdateCols:   []string{"source", "cursor", "status", "finished_at", "metrics", "errors"},
	}),
		run.TenantID, run.RunID, run.Source, nullString(run.Cursor), string(run.Status),
		run.StartedAt.UTC(), utcPtr(run.FinishedAt), string(metrics), string(errorsJSON),
	)
	return r.wrap(err, fmt.Sprintf("upsert run %s", run.RunID))
}

func (r *repo) GetIngestionRun(ctx context.Context, tenantID, runID string) (*model.IngestionRun, error) {
	row := r.b.queryRow(ctx, r.q(`SELECT tenant_id, run_id, source, cursor, status, started_at, finished_at, metrics, errors
		FROM ingestion_runs WHERE tenant_id = ? AND run_id = ?`), tenantID, runID)

	var run model.IngestionRun
	var cursor *string
	var metrics, errs []byte
	err := row.Scan(&run.TenantID, &run.RunID, &run.Source, &cursor, &run.Status,
		&run.StartedAt, &run.FinishedAt, &metrics, &errs)
	if r.b.isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "ingestion run %s", runID)
	}
	if err != nil {
		return nil, r.wrap(err, fmt.Sprintf("get run %s", runID))
	}
	run.Cursor = derefString(cursor)
	if err := unmarshalIf(metrics, &run.Metrics); err != nil {
		return nil, r.wrap(err, "unmarshal run metrics")
	}
	if err := unmarshalIf(errs, &run.Errors); err != nil {
		return nil, r.wrap(err, "unmarshal run errors")
	}
	return &run, nil
}

// --- Raw documents ---

func (r *repo) InsertRawDocument(ctx context.Context, doc *model.RawDocument) (bool, error) {
	var id string
	err := r.b.queryRow(ctx, r.insert(db.Insert{
		Table: "raw_documents",
		Columns: []string{"id", "tenant_id", "run_id", "source", "source_url", "document_type",
			"external_id", "raw_text", "raw_json", "fetched_at", "checksum", "created_at"},
		ConflictKeys: []string{"tenant_id", "checksum"},
		DoNothing:    true,
		Returning:    []string{"id"},
	}),
		doc.ID, doc.TenantID, doc.RunID, doc.Source, nullString(doc.SourceURL), doc.DocumentType,
		nullString(doc.ExternalID), nullString(doc.RawText), nullJSON(doc.RawJSON),
		doc.FetchedAt.UTC(), doc.Checksum, doc.CreatedAt.UTC(),
	).Scan(&id)
	if r.b.isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, r.wrap(err, "insert raw document")
	}
	return true, nil
}

func (r *repo) ListRawDocuments(ctx context.Context, tenantID, runID string) ([]model.RawDocument, error) {
	rows, err := r.b.query(ctx, r.q(`SELECT id, tenant_id, run_id, source, source_url, document_type, external_id,
		raw_text, raw_json, fetched_at, checksum, created_at
		FROM raw_documents WHERE tenant_id = ? AND run_id = ? ORDER BY created_at, id`), tenantID, runID)
	if err != nil {
		return nil, r.wrap(err, "list raw documents")
	}
	defer rows.Close()

	var docs []model.RawDocument
	for rows.Next() {
		var d model.RawDocument
		var sourceURL, externalID, rawText *string
		var rawJSON []byte
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.Source, &sourceURL, &d.DocumentType,
			&externalID, &rawText, &rawJSON, &d.FetchedAt, &d.Checksum, &d.CreatedAt); err != nil {
			return nil, r.wrap(err, "scan raw document")
		}
		d.SourceURL = derefString(sourceURL)
		d.ExternalID = derefString(externalID)
		d.RawText = derefString(rawText)
		if len(rawJSON) > 0 {
			d.RawJSON = json.RawMessage(rawJSON)
		}
		docs = append(docs, d)
	}
	return docs, r.wrap(rows.Err(), "list raw documents iterate")
}

// --- Staging records ---

func (r *repo) InsertStagingRecord(ctx context.Context, rec *model.StagingRecord) error {
	parsed, err := json.Marshal(rec.Parsed)
	if err != nil {
		return r.wrap(err, "marshal parsed record")
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return r.wrap(err, "marshal staging errors")
	}

	_, err = r.b.exec(ctx, r.insert(db.Insert{
		Table:   "staging_records",
		Columns: []string{"id", "tenant_id", "run_id", "external_id", "parsed_json", "validation_status", "errors", "created_at"},
	}),
		rec.ID, rec.TenantID, rec.RunID, rec.ExternalID, string(parsed),
		string(rec.ValidationStatus), string(errorsJSON), rec.CreatedAt.UTC(),
	)
	return r.wrap(err, "insert staging record")
}

func (r *repo) ListStagingRecords(ctx context.Context, tenantID, runID string, status model.ValidationStatus) ([]model.StagingRecord, error) {
	query := `SELECT id, tenant_id, run_id, external_id, parsed_json, validation_status, errors, created_at
		FROM staging_records WHERE tenant_id = ? AND run_id = ?`
	args := []any{tenantID, runID}
	if status != "" {
		query += ` AND validation_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.b.query(ctx, r.q(query), args...)
	if err != nil {
		return nil, r.wrap(err, "list staging records")
	}
	defer rows.Close()

	var recs []model.StagingRecord
	for rows.Next() {
		var rec model.StagingRecord
		var parsed, errs []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.RunID, &rec.ExternalID, &parsed,
			&rec.ValidationStatus, &errs, &rec.CreatedAt); err != nil {
			return nil, r.wrap(err, "scan staging record")
		}
		if err := unmarshalIf(parsed, &rec.Parsed); err != nil {
			return nil, r.wrap(err, "unmarshal parsed record")
		}
		if err := unmarshalIf(errs, &rec.Errors); err != nil {
			return nil, r.wrap(err, "unmarshal staging errors")
		}
		recs = append(recs, rec)
	}
	return recs, r.wrap(rows.Err(), "list staging records iterate")
}

// --- Entities ---

const entitySelect = `SELECT e.tenant_id, e.entity_id, e.entity_type, e.canonical_name, e.metadata, e.created_at, e.updated_at FROM entities e`

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	var metadata []byte
	if err := row.Scan(&e.TenantID, &e.EntityID, &e.EntityType, &e.CanonicalName, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		e.Metadata = json.RawMessage(metadata)
	}
	return &e, nil
}

func (r *repo) findEntity(ctx context.Context, action, query string, args ...any) (*model.Entity, error) {
	e, err := scanEntity(r.b.queryRow(ctx, r.q(query), args...))
	if r.b.isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap(err, action)
	}
	return e, nil
}

func (r *repo) FindEntityByName(ctx context.Context, tenantID string, entityType model.EntityType, name string) (*model.Entity, error) {
	return r.findEntity(ctx, "find entity by name",
		entitySelect+` WHERE e.tenant_id = ? AND e.entity_type = ? AND e.canonical_name = ?`,
		tenantID, string(entityType), name)
}

func (r *repo) FindEntityByAlias(ctx context.Context, tenantID string, entityType model.EntityType, alias string) (*model.Entity, error) {
	return r.findEntity(ctx, "find entity by alias",
		entitySelect+` JOIN entity_aliases a ON a.tenant_id = e.tenant_id AND a.entity_id = e.entity_id
		WHERE a.tenant_id = ? AND a.alias = ? AND e.entity_type = ?
		ORDER BY a.created_at LIMIT 1`,
		tenantID, alias, string(entityType))
}

func (r *repo) ListRecentEntities(ctx context.Context, tenantID string, entityType model.EntityType, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.b.query(ctx, r.q(entitySelect+` WHERE e.tenant_id = ? AND e.entity_type = ?
		ORDER BY e.updated_at DESC LIMIT ?`), tenantID, string(entityType), limit)
	if err != nil {
		return nil, r.wrap(err, "list recent entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, r.wrap(err, "scan entity")
		}
		out = append(out, *e)
	}
	return out, r.wrap(rows.Err(), "list recent entities iterate")
}

// CreateEntity inserts the entity or returns the row already holding its
// (tenant_id, entity_type, canonical_name) key.
func (r *repo) CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	_, err := r.b.exec(ctx, r.insert(db.Insert{
		Table:        "entities",
		Columns:      []string{"tenant_id", "entity_id", "entity_type", "canonical_name", "metadata", "created_at", "updated_at"},
		ConflictKeys: []string{"tenant_id", "entity_type", "canonical_name"},
		DoNothing:    true,
	}),
		e.TenantID, e.EntityID, string(e.EntityType), e.CanonicalName, nullJSON(e.Metadata),
		stamp(e.CreatedAt), stamp(e.UpdatedAt),
	)
	if err != nil {
		return nil, r.wrap(err, fmt.Sprintf("create entity %q", e.CanonicalName))
	}

	out, err := r.FindEntityByName(ctx, e.TenantID, e.EntityType, e.CanonicalName)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, eris.Wrapf(ErrNotFound, "entity %q after create", e.CanonicalName)
	}
	return out, nil
}

func (r *repo) CreateAlias(ctx context.Context, a *model.EntityAlias) error {
	evidence := a.Evidence
	if evidence == nil {
		evidence = []model.Evidence{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return r.wrap(err, "marshal alias evidence")
	}
	_, err = r.b.exec(ctx, r.insert(db.Insert{
		Table:        "entity_aliases",
		Columns:      []string{"id", "tenant_id", "entity_id", "alias", "source", "confidence", "evidence", "created_at"},
		ConflictKeys: []string{"tenant_id", "entity_id", "alias"},
		DoNothing:    true,
	}),
		a.ID, a.TenantID, a.EntityID, a.Alias, a.Source, a.Confidence, string(evidenceJSON), stamp(a.CreatedAt),
	)
	return r.wrap(err, fmt.Sprintf("create alias %q", a.Alias))
}

// --- Reconciliation queue ---

const reviewColumns = `id, tenant_id, run_id, kind, candidate_json, agent_output, status, reviewed_by, reviewed_at, review_notes, created_at`

func scanReview(row scannable) (*model.ReviewItem, error) {
	var it model.ReviewItem
	var runID, reviewedBy, notes *string
	var candidate, output []byte
	if err := row.Scan(&it.ID, &it.TenantID, &runID, &it.Kind, &candidate, &output, &it.Status,
		&reviewedBy, &it.ReviewedAt, &notes, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.RunID = derefString(runID)
	it.ReviewedBy = derefString(reviewedBy)
	it.ReviewNotes = derefString(notes)
	it.Candidate = json.RawMessage(candidate)
	it.AgentOutput = json.RawMessage(output)
	return &it, nil
}

func (r *repo) EnqueueReview(ctx context.Context, item *model.ReviewItem) error {
	status := item.Status
	if status == "" {
		status = model.ReviewPending
	}
	_, err := r.b.exec(ctx, r.insert(db.Insert{
		Table:   "reconciliation_queue",
		Columns: []string{"id", "tenant_id", "run_id", "kind", "candidate_json", "agent_output", "status", "created_at"},
	}),
		item.ID, item.TenantID, nullString(item.RunID), item.Kind,
		string(orEmptyObject(item.Candidate)), string(orEmptyObject(item.AgentOutput)),
		string(status), stamp(item.CreatedAt),
	)
	return r.wrap(err, "enqueue review")
}

func (r *repo) ListReviewItems(ctx context.Context, tenantID string, filter ReviewFilter) ([]model.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM reconciliation_queue WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY created_at, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.b.query(ctx, r.q(query), args...)
	if err != nil {
		return nil, r.wrap(err, "list review items")
	}
	defer rows.Close()

	var items []model.ReviewItem
	for rows.Next() {
		it, err := scanReview(rows)
		if err != nil {
			return nil, r.wrap(err, "scan review item")
		}
		items = append(items, *it)
	}
	return items, r.wrap(rows.Err(), "list review items iterate")
}

// ResolveReviewItem moves a pending item to approved or rejected.
func (r *repo) ResolveReviewItem(ctx context.Context, tenantID, id string, status model.ReviewStatus, reviewer, notes string) (*model.ReviewItem, error) {
	if status != model.ReviewApproved && status != model.ReviewRejected {
		return nil, eris.Errorf("%s: resolve review %s: invalid status %q", r.name, id, status)
	}

	n, err := r.b.exec(ctx, r.q(`UPDATE reconciliation_queue
		SET status = ?, reviewed_by = ?, reviewed_at = ?, review_notes = ?
		WHERE tenant_id = ? AND id = ? AND status = ?`),
		string(status), nullString(reviewer), time.Now().UTC(), nullString(notes),
		tenantID, id, string(model.ReviewPending),
	)
	if err != nil {
		return nil, r.wrap(err, fmt.Sprintf("resolve review %s", id))
	}

	it, err := scanReview(r.b.queryRow(ctx, r.q(`SELECT `+reviewColumns+` FROM reconciliation_queue WHERE tenant_id = ? AND id = ?`), tenantID, id))
	if r.b.isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "review item %s", id)
	}
	if err != nil {
		return nil, r.wrap(err, fmt.Sprintf("get review %s", id))
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrReviewResolved, "review item %s is %s", id, it.Status)
	}
	return it, nil
}

// --- Canonical tenders ---

var canonicalColumns = []string{"canonical_id", "tenant_id", "source", "external_id", "buyer_entity_id", "title",
	"category", "subcategory", "cpv_codes", "publication_date", "deadline_date", "estimated_value", "currency",
	"source_url", "dedupe_quality", "normalized_json", "updated_at"}

// UpsertCanonicalTender writes the tender keyed by (tenant_id, source,
// external_id). An existing row keeps its canonical_id.
func (r *repo) UpsertCanonicalTender(ctx context.Context, t *model.CanonicalTender) (string, error) {
	cpv := t.CPVCodes
	if cpv == nil {
		cpv = []string{}
	}
	cpvJSON, err := json.Marshal(cpv)
	if err != nil {
		return "", r.wrap(err, "marshal cpv codes")
	}

	var id string
	err = r.b.queryRow(ctx, r.insert(db.Insert{
		Table:        "canonical_tenders",
		Columns:      canonicalColumns,
		ConflictKeys: []string{"tenant_id", "source", "external_id"},
		UpdateCols: []string{"buyer_entity_id", "title", "category", "subcategory", "cpv_codes",
			"publication_date", "deadline_date", "estimated_value", "currency", "source_url",
			"dedupe_quality", "normalized_json", "updated_at"},
		Returning: []string{"canonical_id"},
	}),
		t.CanonicalID, t.TenantID, t.Source, t.ExternalID, nullString(t.BuyerEntityID), t.Title,
		t.Category, t.Subcategory, string(cpvJSON), utcPtr(t.PublicationDate), utcPtr(t.DeadlineDate),
		t.EstimatedValue, t.Currency, nullString(t.SourceURL), t.DedupeQuality,
		string(orEmptyObject(t.NormalizedJSON)), t.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return "", r.wrap(err, fmt.Sprintf("upsert canonical tender %s/%s", t.Source, t.ExternalID))
	}
	return id, nil
}

func (r *repo) ListCanonicalTenders(ctx context.Context, tenantID string, publishedSince time.Time) ([]model.CanonicalTender, error) {
	rows, err := r.b.query(ctx, r.q(`SELECT canonical_id, tenant_id, source, external_id, buyer_entity_id, title,
		category, subcategory, cpv_codes, publication_date, deadline_date, estimated_value, currency,
		source_url, dedupe_quality, normalized_json, updated_at
		FROM canonical_tenders
		WHERE tenant_id = ? AND publication_date IS NOT NULL AND publication_date >= ?
		ORDER BY publication_date DESC, canonical_id`), tenantID, publishedSince.UTC())
	if err != nil {
		return nil, r.wrap(err, "list canonical tenders")
	}
	defer rows.Close()

	var out []model.CanonicalTender
	for rows.Next() {
		var t model.CanonicalTender
		var buyer, sourceURL *string
		var cpv, normalized []byte
		if err := rows.Scan(&t.CanonicalID, &t.TenantID, &t.Source, &t.ExternalID, &buyer, &t.Title,
			&t.Category, &t.Subcategory, &cpv, &t.PublicationDate, &t.DeadlineDate, &t.EstimatedValue,
			&t.Currency, &sourceURL, &t.DedupeQuality, &normalized, &t.UpdatedAt); err != nil {
			return nil, r.wrap(err, "scan canonical tender")
		}
		t.BuyerEntityID = derefString(buyer)
		t.SourceURL = derefString(sourceURL)
		if err := unmarshalIf(cpv, &t.CPVCodes); err != nil {
			return nil, r.wrap(err, "unmarshal cpv codes")
		}
		t.NormalizedJSON = json.RawMessage(normalized)
		out = append(out, t)
	}
	return out, r.wrap(rows.Err(), "list canonical tenders iterate")
}

// --- Weekly features ---

var featureColumns = []string{"id", "tenant_id", "week_start", "buyer_entity_id", "category", "cpv_family",
	"tender_count", "avg_value", "median_days_between", "active_suppliers", "created_at"}

func featureRow(f model.WeeklyFeature) []any {
	return []any{f.ID, f.TenantID, f.WeekStart.UTC(), nullString(f.BuyerEntityID), f.Category, f.CPVFamily,
		f.TenderCount, f.AvgValue, f.MedianDaysBetween, f.ActiveSuppliers, f.CreatedAt.UTC()}
}

func (r *repo) InsertWeeklyFeatures(ctx context.Context, features []model.WeeklyFeature) (int, error) {
	stmt := r.insert(db.Insert{Table: "weekly_features", Columns: featureColumns})
	for i, f := range features {
		if _, err := r.b.exec(ctx, stmt, featureRow(f)...); err != nil {
			return i, r.wrap(err, "insert weekly feature")
		}
	}
	return len(features), nil
}

func (r *repo) ListWeeklyFeatures(ctx context.Context, tenantID string) ([]model.WeeklyFeature, error) {
	rows, err := r.b.query(ctx, r.q(`SELECT id, tenant_id, week_start, buyer_entity_id, category, cpv_family,
		tender_count, avg_value, median_days_between, active_suppliers, created_at
		FROM weekly_features WHERE tenant_id = ? ORDER BY week_start DESC, created_at DESC`), tenantID)
	if err != nil {
		return nil, r.wrap(err, "list weekly features")
	}
	defer rows.Close()

	var out []model.WeeklyFeature
	for rows.Next() {
		var f model.WeeklyFeature
		var buyer *string
		if err := rows.Scan(&f.ID, &f.TenantID, &f.WeekStart, &buyer, &f.Category, &f.CPVFamily,
			&f.TenderCount, &f.AvgValue, &f.MedianDaysBetween, &f.ActiveSuppliers, &f.CreatedAt); err != nil {
			return nil, r.wrap(err, "scan weekly feature")
		}
		f.BuyerEntityID = derefString(buyer)
		out = append(out, f)
	}
	return out, r.wrap(rows.Err(), "list weekly features iterate")
}

// --- Market signals ---

var signalColumns = []string{"id", "tenant_id", "origin", "signal_type", "entity_id", "source_url", "source_quality",
	"signal_strength", "start_date", "end_date", "evidence_snippet", "extracted_json", "created_at"}

func signalRow(s *model.MarketSignal) []any {
	return []any{s.ID, s.TenantID, s.Origin, s.SignalType, nullString(s.EntityID), nullString(s.SourceURL),
		s.SourceQuality, s.SignalStrength, nullString(s.StartDate), nullString(s.EndDate), s.EvidenceSnippet,
		string(orEmptyObject(s.ExtractedJSON)), s.CreatedAt.UTC()}
}

func (r *repo) InsertMarketSignal(ctx context.Context, s *model.MarketSignal) error {
	_, err := r.b.exec(ctx, r.insert(db.Insert{Table: "market_signals", Columns: signalColumns}), signalRow(s)...)
	return r.wrap(err, "insert market signal")
}

func (r *repo) InsertRenewalSignal(ctx context.Context, s *model.MarketSignal) (bool, error) {
	var id string
	err := r.b.queryRow(ctx, r.insert(db.Insert{
		Table:         "market_signals",
		Columns:       signalColumns,
		ConflictKeys:  []string{"tenant_id", "signal_type", "entity_id"},
		ConflictWhere: "origin = 'renewal'",
		DoNothing:     true,
		Returning:     []string{"id"},
	}), signalRow(s)...).Scan(&id)
	if r.b.isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, r.wrap(err, "insert renewal signal")
	}
	return true, nil
}

func (r *repo) ListMarketSignals(ctx context.Context, tenantID string) ([]model.MarketSignal, error) {
	rows, err := r.b.query(ctx, r.q(`SELECT id, tenant_id, origin, signal_type, entity_id, source_url, source_quality,
		signal_strength, start_date, end_date, evidence_snippet, extracted_json, created_at
		FROM market_signals WHERE tenant_id = ? ORDER BY created_at DESC, id`), tenantID)
	if err != nil {
		return nil, r.wrap(err, "list market signals")
	}
	defer rows.Close()

	var out []model.MarketSignal
	for rows.Next() {
		var s model.MarketSignal
		var entityID, sourceURL, start, end *string
		var extracted []byte
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Origin, &s.SignalType, &entityID, &sourceURL,
			&s.SourceQuality, &s.SignalStrength, &start, &end, &s.EvidenceSnippet, &extracted, &s.CreatedAt); err != nil {
			return nil, r.wrap(err, "scan market signal")
		}
		s.EntityID = derefString(entityID)
		s.SourceURL = derefString(sourceURL)
		s.StartDate = derefString(start)
		s.EndDate = derefString(end)
		s.ExtractedJSON = json.RawMessage(extracted)
		out = append(out, s)
	}
	return out, r.wrap(rows.Err(), "list market signals iterate")
}

// --- Predictions ---

func (r *repo) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	breakdown, err := json.Marshal(p.ConfidenceBreakdown)
	if err != nil {
		return r.wrap(err, "marshal confidence breakdown")
	}
	drivers, err := json.Marshal(orEmptyStrings(p.TopDrivers))
	if err != nil {
		return r.wrap(err, "marshal top drivers")
	}
	evidence := p.Evidence
	if evidence == nil {
		evidence = []model.PredictionEvidence{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return r.wrap(err, "marshal prediction evidence")
	}

	_, err = r.b.exec(ctx, r.insert(db.Insert{
		Table: "predictions",
		Columns: []string{"id", "tenant_id", "buyer_id", "category", "cpv_family", "time_window", "probability",
			"confidence", "confidence_breakdown", "top_drivers", "evidence", "model_version", "generated_at",
			"predicted_tender_date", "urgency", "renewal_source"},
	}),
		p.ID, p.TenantID, nullString(p.BuyerID), p.Category, p.CPVFamily, p.TimeWindow, p.Probability,
		p.Confidence, string(breakdown), string(drivers), string(evidenceJSON), p.ModelVersion,
		p.GeneratedAt.UTC(), nullString(p.PredictedTenderDate), nullString(p.Urgency), nullJSON(p.RenewalSource),
	)
	return r.wrap(err, "insert prediction")
}

func (r *repo) ListPredictions(ctx context.Context, tenantID string) ([]model.Prediction, error) {
	rows, err := r.b.query(ctx, r.q(`SELECT id, tenant_id, buyer_id, category, cpv_family, time_window, probability,
		confidence, confidence_breakdown, top_drivers, evidence, model_version, generated_at,
		predicted_tender_date, urgency, renewal_source
		FROM predictions WHERE tenant_id = ? ORDER BY generated_at DESC, id`), tenantID)
	if err != nil {
		return nil, r.wrap(err, "list predictions")
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		var p model.Prediction
		var buyer, predicted, urgency *string
		var breakdown, drivers, evidence, renewal []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &buyer, &p.Category, &p.CPVFamily, &p.TimeWindow, &p.Probability,
			&p.Confidence, &breakdown, &drivers, &evidence, &p.ModelVersion, &p.GeneratedAt,
			&predicted, &urgency, &renewal); err != nil {
			return nil, r.wrap(err, "scan prediction")
		}
		p.BuyerID = derefString(buyer)
		p.PredictedTenderDate = derefString(predicted)
		p.Urgency = derefString(urgency)
		if len(renewal) > 0 {
			p.RenewalSource = json.RawMessage(renewal)
		}
		if err := unmarshalIf(breakdown, &p.ConfidenceBreakdown); err != nil {
			return nil, r.wrap(err, "unmarshal confidence breakdown")
		}
		if err := unmarshalIf(drivers, &p.TopDrivers); err != nil {
			return nil, r.wrap(err, "unmarshal top drivers")
		}
		if err := unmarshalIf(evidence, &p.Evidence); err != nil {
			return nil, r.wrap(err, "unmarshal prediction evidence")
		}
		out = append(out, p)
	}
	return out, r.wrap(rows.Err(), "list predictions iterate")
}

// helpers

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func orEmptyObject(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`{}`)
	}
	return b
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// stamp returns t in UTC, or the current time when t is zero.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func unmarshalIf(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
