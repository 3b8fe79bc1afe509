package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tariff-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves tests
// and single-worker deployments; claim-next uses a plain guarded update
// instead of FOR UPDATE SKIP LOCKED, which SQLite does not have.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteRateTableDDL mirrors the Postgres rate-table shape, including
// the partial unique index for the one-open-row invariant.
func sqliteRateTableDDL(table, keyCols string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
	id                 TEXT PRIMARY KEY,
	hts_prefix         TEXT NOT NULL,
	list_code          TEXT NOT NULL DEFAULT '',
	material           TEXT NOT NULL DEFAULT '',
	country            TEXT NOT NULL DEFAULT '',
	program_code       TEXT NOT NULL DEFAULT '',
	duty_rate          REAL NOT NULL,
	role               TEXT NOT NULL DEFAULT 'impose',
	effective_start    DATETIME NOT NULL,
	effective_end      DATETIME,
	supersedes_id      TEXT,
	superseded_by_id   TEXT,
	source_document_id TEXT NOT NULL,
	evidence_id        TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_` + table + `_open ON ` + table + `(` + keyCols + `) WHERE effective_end IS NULL;
CREATE INDEX IF NOT EXISTS idx_` + table + `_prefix ON ` + table + `(hts_prefix);
`
}

var sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id                 TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	external_id        TEXT NOT NULL,
	url                TEXT NOT NULL DEFAULT '',
	content_hash       TEXT NOT NULL DEFAULT '',
	content_type       TEXT NOT NULL DEFAULT '',
	raw                BLOB,
	canonical_text     TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'fetched',
	parent_document_id TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
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
	claimed_at      DATETIME,
	completed_at    DATETIME,
	error           TEXT NOT NULL DEFAULT '',
	discovered_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
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
	proves_rate           REAL,
	proves_effective_date DATETIME,
	proves_program        TEXT NOT NULL DEFAULT '',
	verified              INTEGER NOT NULL DEFAULT 0,
	quote_verified        INTEGER NOT NULL DEFAULT 0,
	verified_by           TEXT NOT NULL DEFAULT '',
	method                TEXT NOT NULL DEFAULT '',
	confidence            REAL NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name  TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	old_values  TEXT,
	new_values  TEXT,
	document_id TEXT,
	evidence_id TEXT,
	job_id      TEXT,
	run_id      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(record_id);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	source            TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'running',
	docs_discovered   INTEGER NOT NULL DEFAULT 0,
	docs_processed    INTEGER NOT NULL DEFAULT 0,
	changes_committed INTEGER NOT NULL DEFAULT 0,
	started_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at      DATETIME
);

CREATE TABLE IF NOT EXISTS run_changes (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL,
	job_id          TEXT NOT NULL,
	program         TEXT NOT NULL,
	rate_id         TEXT NOT NULL,
	action          TEXT NOT NULL,
	hts_code        TEXT NOT NULL,
	duty_rate       REAL NOT NULL,
	effective_start DATETIME NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_run_changes_run ON run_changes(run_id);

CREATE TABLE IF NOT EXISTS review_items (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	candidate   TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);
` +
	sqliteRateTableDDL("s301_rates", "hts_prefix, list_code") +
	sqliteRateTableDDL("s232_rates", "hts_prefix, material, country") +
	sqliteRateTableDDL("ieepa_rates", "hts_prefix, country")

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Driver() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Documents

const sqDocCols = `id, source, external_id, url, content_hash, content_type, canonical_text, status, parent_document_id, created_at, updated_at`

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DocFetched
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, source, external_id, url, content_hash, content_type, canonical_text, status, parent_document_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Source, d.ExternalID, d.URL, d.ContentHash, d.ContentType,
		d.CanonicalText, string(d.Status), d.ParentDocumentID, now, now,
	)
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqDocCols+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) FindDocumentByHash(ctx context.Context, source, contentHash string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqDocCols+` FROM documents WHERE source = ? AND content_hash = ?
		 ORDER BY created_at DESC LIMIT 1`,
		source, contentHash)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find document by hash")
	}
	return d, nil
}

func (s *SQLiteStore) SetDocumentContent(ctx context.Context, id string, raw []byte, contentHash, contentType string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET raw = ?, content_hash = ?, content_type = ?, updated_at = ? WHERE id = ?`,
		raw, contentHash, contentType, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set document content %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) GetDocumentRaw(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM documents WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document raw %s", id)
	}
	return raw, nil
}

func (s *SQLiteStore) SetCanonicalText(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET canonical_text = ?, status = ?, updated_at = ? WHERE id = ?`,
		text, string(model.DocRendered), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set canonical text %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) AdvanceDocument(ctx context.Context, id string, to model.DocumentStatus) error {
	cur, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.Advances(to) {
		return eris.Errorf("document %s: illegal status move %s -> %s", id, cur.Status, to)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: advance document %s", id)
}

func (s *SQLiteStore) ListRunDocuments(ctx context.Context, runID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+qualify(sqDocCols, "d")+` FROM documents d
		 JOIN ingest_jobs j ON j.document_id = d.id
		 WHERE j.run_id = ?
		 ORDER BY d.created_at`,
		runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list run documents iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
