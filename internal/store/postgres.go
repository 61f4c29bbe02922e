package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/db"
	"github.com/sells-group/tender-intel/internal/model"
)

var _ db.Pool = (*pgxpool.Pool)(nil)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*repo
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

type pgxBackend struct {
	pool db.Pool
}

func (b pgxBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b pgxBackend) queryRow(ctx context.Context, query string, args ...any) scannable {
	return b.pool.QueryRow(ctx, query, args...)
}

func (b pgxBackend) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	return b.pool.Query(ctx, query, args...)
}

func (b pgxBackend) isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		repo:    &repo{b: pgxBackend{pool: pool}, bind: sqlx.DOLLAR, ph: db.Dollar, name: "postgres"},
		pool:    pool,
		closeFn: closeFn,
	}
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	tenant_id   TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	source      TEXT NOT NULL,
	cursor      TEXT,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	metrics     JSONB NOT NULL DEFAULT '{}',
	errors      JSONB NOT NULL DEFAULT '[]',
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
	raw_json      JSONB,
	fetched_at    TIMESTAMPTZ NOT NULL,
	checksum      TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, checksum)
);

CREATE INDEX IF NOT EXISTS idx_raw_documents_run ON raw_documents(tenant_id, run_id);

CREATE TABLE IF NOT EXISTS staging_records (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	run_id            TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	parsed_json       JSONB NOT NULL,
	validation_status TEXT NOT NULL,
	errors            JSONB NOT NULL DEFAULT '[]',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_staging_records_run ON staging_records(tenant_id, run_id, validation_status);

CREATE TABLE IF NOT EXISTS entities (
	entity_id      TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	entity_type    TEXT NOT NULL CHECK (entity_type IN ('buyer', 'supplier')),
	canonical_name TEXT NOT NULL,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, entity_type, canonical_name)
);

CREATE INDEX IF NOT EXISTS idx_entities_recent ON entities(tenant_id, entity_type, updated_at DESC);

CREATE TABLE IF NOT EXISTS entity_aliases (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL REFERENCES entities(entity_id),
	alias      TEXT NOT NULL,
	source     TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	evidence   JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, entity_id, alias)
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_alias ON entity_aliases(tenant_id, alias);

CREATE TABLE IF NOT EXISTS reconciliation_queue (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	run_id         TEXT,
	kind           TEXT NOT NULL,
	candidate_json JSONB NOT NULL,
	agent_output   JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT,
	reviewed_at    TIMESTAMPTZ,
	review_notes   TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
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
	cpv_codes        JSONB NOT NULL DEFAULT '[]',
	publication_date TIMESTAMPTZ,
	deadline_date    TIMESTAMPTZ,
	estimated_value  DOUBLE PRECISION,
	currency         TEXT NOT NULL DEFAULT 'EUR',
	source_url       TEXT,
	dedupe_quality   DOUBLE PRECISION NOT NULL DEFAULT 1,
	normalized_json  JSONB NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_canonical_tenders_published ON canonical_tenders(tenant_id, publication_date DESC);

CREATE TABLE IF NOT EXISTS weekly_features (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	week_start          TIMESTAMPTZ NOT NULL,
	buyer_entity_id     TEXT,
	category            TEXT NOT NULL,
	cpv_family          TEXT NOT NULL,
	tender_count        INTEGER NOT NULL,
	avg_value           DOUBLE PRECISION,
	median_days_between DOUBLE PRECISION,
	active_suppliers    INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_weekly_features_week ON weekly_features(tenant_id, week_start DESC);

CREATE TABLE IF NOT EXISTS market_signals (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	origin           TEXT NOT NULL,
	signal_type      TEXT NOT NULL,
	entity_id        TEXT,
	source_url       TEXT,
	source_quality   DOUBLE PRECISION NOT NULL,
	signal_strength  DOUBLE PRECISION NOT NULL,
	start_date       TEXT,
	end_date         TEXT,
	evidence_snippet TEXT NOT NULL,
	extracted_json   JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
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
	probability           DOUBLE PRECISION NOT NULL CHECK (probability >= 0 AND probability <= 1),
	confidence            DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	confidence_breakdown  JSONB NOT NULL,
	top_drivers           JSONB NOT NULL DEFAULT '[]',
	evidence              JSONB NOT NULL DEFAULT '[]',
	model_version         TEXT NOT NULL,
	generated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	predicted_tender_date TEXT,
	urgency               TEXT,
	renewal_source        JSONB
);

CREATE INDEX IF NOT EXISTS idx_predictions_tenant ON predictions(tenant_id, generated_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertWeeklyFeatures bulk-loads the rows with COPY.
func (s *PostgresStore) InsertWeeklyFeatures(ctx context.Context, features []model.WeeklyFeature) (int, error) {
	rows := make([][]any, len(features))
	for i, f := range features {
		rows[i] = featureRow(f)
	}
	n, err := db.CopyFrom(ctx, s.pool, "weekly_features", featureColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert weekly features")
	}
	return int(n), nil
}
