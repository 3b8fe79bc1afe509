package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/db"
	"github.com/sells-group/tariff-sync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., the backfill bulk loader).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// rateTableDDL is shared by every program-family table; the partial
// unique index enforces the one-open-row-per-key invariant in the
// database itself.
func rateTableDDL(table string, keyCols string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                 TEXT PRIMARY KEY,
	hts_prefix         TEXT NOT NULL,
	list_code          TEXT NOT NULL DEFAULT '',
	material           TEXT NOT NULL DEFAULT '',
	country            TEXT NOT NULL DEFAULT '',
	program_code       TEXT NOT NULL DEFAULT '',
	duty_rate          DOUBLE PRECISION NOT NULL,
	role               TEXT NOT NULL DEFAULT 'impose',
	effective_start    TIMESTAMPTZ NOT NULL,
	effective_end      TIMESTAMPTZ,
	supersedes_id      TEXT,
	superseded_by_id   TEXT,
	source_document_id TEXT NOT NULL,
	evidence_id        TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_open ON %[1]s(%[2]s) WHERE effective_end IS NULL;
CREATE INDEX IF NOT EXISTS idx_%[1]s_prefix ON %[1]s(hts_prefix);
`, table, keyCols)
}

var postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id                 TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	external_id        TEXT NOT NULL,
	url                TEXT NOT NULL DEFAULT '',
	content_hash       TEXT NOT NULL DEFAULT '',
	content_type       TEXT NOT NULL DEFAULT '',
	raw                BYTEA,
	canonical_text     TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'fetched',
	parent_document_id TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, external_id, content_hash)
);

CREATE TABLE IF NOT EXISTS ingest_jobs (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	url             TEXT NOT NULL DEFAULT '',
	document_id     TEXT,
	run_id          TEXT,
	status          TEXT NOT NULL DEFAULT 'queued',
	revision_number INTEGER NOT NULL DEFAULT 1,
	parent_job_id   TEXT,
	reason          TEXT NOT NULL DEFAULT 'initial',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	claimed_by      TEXT,
	claimed_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	error           TEXT NOT NULL DEFAULT '',
	discovered_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, external_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingest_jobs(status, discovered_at);
CREATE INDEX IF NOT EXISTS idx_jobs_external ON ingest_jobs(source, external_id, revision_number DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_hash ON ingest_jobs(content_hash);

CREATE TABLE IF NOT EXISTS evidence_packets (
	id                    TEXT PRIMARY KEY,
	document_id           TEXT NOT NULL,
	document_hash         TEXT NOT NULL,
	quote                 TEXT NOT NULL DEFAULT '',
	line_start            INTEGER NOT NULL DEFAULT 0,
	line_end              INTEGER NOT NULL DEFAULT 0,
	proves_hts_code       TEXT NOT NULL DEFAULT '',
	proves_program_code   TEXT NOT NULL DEFAULT '',
	proves_rate           DOUBLE PRECISION,
	proves_effective_date TIMESTAMPTZ,
	proves_program        TEXT NOT NULL DEFAULT '',
	verified              BOOLEAN NOT NULL DEFAULT false,
	quote_verified        BOOLEAN NOT NULL DEFAULT false,
	verified_by           TEXT NOT NULL DEFAULT '',
	method                TEXT NOT NULL DEFAULT '',
	confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	table_name  TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	old_values  JSONB,
	new_values  JSONB,
	document_id TEXT,
	evidence_id TEXT,
	job_id      TEXT,
	run_id      TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(record_id);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	source            TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'running',
	docs_discovered   INTEGER NOT NULL DEFAULT 0,
	docs_processed    INTEGER NOT NULL DEFAULT 0,
	changes_committed INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_changes (
	id              BIGSERIAL PRIMARY KEY,
	run_id          TEXT NOT NULL,
	job_id          TEXT NOT NULL,
	program         TEXT NOT NULL,
	rate_id         TEXT NOT NULL,
	action          TEXT NOT NULL,
	hts_code        TEXT NOT NULL,
	duty_rate       DOUBLE PRECISION NOT NULL,
	effective_start TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_changes_run ON run_changes(run_id);

CREATE TABLE IF NOT EXISTS review_items (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	candidate   JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
` +
	rateTableDDL("s301_rates", "hts_prefix, list_code") +
	rateTableDDL("s232_rates", "hts_prefix, material, country") +
	rateTableDDL("ieepa_rates", "hts_prefix, country")

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Driver() string { return "postgres" }

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Documents

const pgDocCols = `id, source, external_id, url, content_hash, content_type, canonical_text, status, parent_document_id, created_at, updated_at`

func (s *PostgresStore) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DocFetched
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, source, external_id, url, content_hash, content_type, canonical_text, status, parent_document_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Source, d.ExternalID, d.URL, d.ContentHash, d.ContentType,
		d.CanonicalText, string(d.Status), d.ParentDocumentID, now, now,
	)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDocCols+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return d, nil
}

func (s *PostgresStore) FindDocumentByHash(ctx context.Context, source, contentHash string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDocCols+` FROM documents WHERE source = $1 AND content_hash = $2
		 ORDER BY created_at DESC LIMIT 1`,
		source, contentHash)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find document by hash")
	}
	return d, nil
}

func (s *PostgresStore) SetDocumentContent(ctx context.Context, id string, raw []byte, contentHash, contentType string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET raw = $1, content_hash = $2, content_type = $3, updated_at = $4 WHERE id = $5`,
		raw, contentHash, contentType, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set document content %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("document not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetDocumentRaw(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT raw FROM documents WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document raw %s", id)
	}
	return raw, nil
}

func (s *PostgresStore) SetCanonicalText(ctx context.Context, id, text string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET canonical_text = $1, status = $2, updated_at = $3 WHERE id = $4`,
		text, string(model.DocRendered), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set canonical text %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("document not found: %s", id)
	}
	return nil
}

// AdvanceDocument moves a document to a later status. Backward moves are
// rejected in SQL: statuses only move forward.
func (s *PostgresStore) AdvanceDocument(ctx context.Context, id string, to model.DocumentStatus) error {
	cur, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.Advances(to) {
		return eris.Errorf("document %s: illegal status move %s -> %s", id, cur.Status, to)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(to), time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: advance document %s", id)
}

func (s *PostgresStore) ListRunDocuments(ctx context.Context, runID string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualify(pgDocCols, "d")+` FROM documents d
		 JOIN ingest_jobs j ON j.document_id = d.id
		 WHERE j.run_id = $1
		 ORDER BY d.created_at`,
		runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list run documents iterate")
}

// scannable lets the scan helpers work for both QueryRow and Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.Source, &d.ExternalID, &d.URL, &d.ContentHash,
		&d.ContentType, &d.CanonicalText, &d.Status, &d.ParentDocumentID,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// qualify prefixes each column in a comma-separated list with an alias.
func qualify(cols, alias string) string {
	out := ""
	for i, c := range splitCols(cols) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitCols(cols string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(cols); i++ {
		if i == len(cols) || cols[i] == ',' {
			c := cols[start:i]
			for len(c) > 0 && c[0] == ' ' {
				c = c[1:]
			}
			if c != "" {
				out = append(out, c)
			}
			start = i + 1
		}
	}
	return out
}
