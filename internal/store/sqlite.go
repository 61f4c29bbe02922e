package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tender-intel/internal/db"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*repo
	db *sqlx.DB
}

type sqlBackend struct {
	db *sqlx.DB
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

func (b sqlBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b sqlBackend) queryRow(ctx context.Context, query string, args ...any) scannable {
	return b.db.QueryRowContext(ctx, query, args...)
}

func (b sqlBackend) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (b sqlBackend) isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite allows one writer.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		repo: &repo{b: sqlBackend{db: conn}, bind: sqlx.QUESTION, ph: db.Question, name: "sqlite"},
		db:   conn,
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	tenant_id   TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	source      TEXT NOT NULL,
	cursor      TEXT,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	metrics     TEXT NOT NULL DEFAULT '{}',
	errors      TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (tenant_id, run_id)
);

CREATE TABLE IF NOT EXISTS raw_documents (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	source        TEXT NOT NULL,
	source_url    TEXT,
	document_type TEXT NOT NULL DEFAULT 'tender',
	external_id   TEXT,
	raw_text      TEXT,
	raw_json      TEXT,
	fetched_at    DATETIME NOT NULL,
	checksum      TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	UNIQUE (tenant_id, checksum)
);

CREATE INDEX IF NOT EXISTS idx_raw_documents_run ON raw_documents(tenant_id, run_id);

CREATE TABLE IF NOT EXISTS staging_records (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	run_id            TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	parsed_json       TEXT NOT NULL,
	validation_status TEXT NOT NULL,
	errors            TEXT NOT NULL DEFAULT '[]',
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_staging_records_run ON staging_records(tenant_id, run_id, validation_status);

CREATE TABLE IF NOT EXISTS entities (
	entity_id      TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	entity_type    TEXT NOT NULL CHECK (entity_type IN ('buyer', 'supplier')),
	canonical_name TEXT NOT NULL,
	metadata       TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (tenant_id, entity_type, canonical_name)
);

CREATE INDEX IF NOT EXISTS idx_entities_recent ON entities(tenant_id, entity_type, updated_at);

CREATE TABLE IF NOT EXISTS entity_aliases (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL REFERENCES entities(entity_id),
	alias      TEXT NOT NULL,
	source     TEXT NOT NULL,
	confidence REAL NOT NULL,
	evidence   TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	UNIQUE (tenant_id, entity_id, alias)
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_alias ON entity_aliases(tenant_id, alias);

CREATE TABLE IF NOT EXISTS reconciliation_queue (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	run_id         TEXT,
	kind           TEXT NOT NULL,
	candidate_json TEXT NOT NULL,
	agent_output   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT,
	reviewed_at    DATETIME,
	review_notes   TEXT,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_queue_status ON reconciliation_queue(tenant_id, status);

CREATE TABLE IF NOT EXISTS canonical_tenders (
	canonical_id     TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	source           TEXT NOT NULL,
	external_id      TEXT NOT NULL,
	buyer_entity_id  TEXT REFERENCES entities(entity_id),
	title            TEXT NOT NULL,
	category         TEXT NOT NULL,
	subcategory      TEXT NOT NULL DEFAULT '',
	cpv_codes        TEXT NOT NULL DEFAULT '[]',
	publication_date DATETIME,
	deadline_date    DATETIME,
	estimated_value  REAL,
	currency         TEXT NOT NULL DEFAULT 'EUR',
	source_url       TEXT,
	dedupe_quality   REAL NOT NULL DEFAULT 1,
	normalized_json  TEXT NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (tenant_id, source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_canonical_tenders_published ON canonical_tenders(tenant_id, publication_date);

CREATE TABLE IF NOT EXISTS weekly_features (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	week_start          DATETIME NOT NULL,
	buyer_entity_id     TEXT,
	category            TEXT NOT NULL,
	cpv_family          TEXT NOT NULL,
	tender_count        INTEGER NOT NULL,
	avg_value           REAL,
	median_days_between REAL,
	active_suppliers    INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_weekly_features_week ON weekly_features(tenant_id, week_start);

CREATE TABLE IF NOT EXISTS market_signals (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	origin           TEXT NOT NULL,
	signal_type      TEXT NOT NULL,
	entity_id        TEXT,
	source_url       TEXT,
	source_quality   REAL NOT NULL,
	signal_strength  REAL NOT NULL,
	start_date       TEXT,
	end_date         TEXT,
	evidence_snippet TEXT NOT NULL,
	extracted_json   TEXT NOT NULL,
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_market_signals_entity ON market_signals(tenant_id, entity_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_market_signals_renewal
	ON market_signals(tenant_id, signal_type, entity_id) WHERE origin = 'renewal';

CREATE TABLE IF NOT EXISTS predictions (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	buyer_id              TEXT,
	category              TEXT NOT NULL,
	cpv_family            TEXT NOT NULL,
	time_window           TEXT NOT NULL,
	probability           REAL NOT NULL CHECK (probability >= 0 AND probability <= 1),
	confidence            REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	confidence_breakdown  TEXT NOT NULL,
	top_drivers           TEXT NOT NULL DEFAULT '[]',
	evidence              TEXT NOT NULL DEFAULT '[]',
	model_version         TEXT NOT NULL,
	generated_at          DATETIME NOT NULL,
	predicted_tender_date TEXT,
	urgency               TEXT,
	renewal_source        TEXT
);

CREATE INDEX IF NOT EXISTS idx_predictions_tenant ON predictions(tenant_id, generated_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
