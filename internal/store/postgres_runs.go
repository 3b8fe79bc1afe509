package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	r := &model.Run{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, source, status, started_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Source, string(r.Status), r.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, source, status, docs_discovered, docs_processed, changes_committed, started_at, completed_at
		 FROM runs WHERE id = $1`, id).
		Scan(&r.ID, &r.Source, &r.Status, &r.DocsDiscovered, &r.DocsProcessed,
			&r.ChangesCommitted, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) BumpRunCounters(ctx context.Context, id string, discovered, processed, committed int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET docs_discovered = docs_discovered + $1,
		                 docs_processed = docs_processed + $2,
		                 changes_committed = changes_committed + $3
		 WHERE id = $4`,
		discovered, processed, committed, id,
	)
	return eris.Wrapf(err, "postgres: bump run counters %s", id)
}

func (s *PostgresStore) ListRunChanges(ctx context.Context, runID string) ([]model.RunChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, job_id, program, rate_id, action, hts_code, duty_rate, effective_start, created_at
		 FROM run_changes WHERE run_id = $1 ORDER BY id`,
		runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run changes")
	}
	defer rows.Close()

	var out []model.RunChange
	for rows.Next() {
		var rc model.RunChange
		if err := rows.Scan(&rc.ID, &rc.RunID, &rc.JobID, &rc.Program, &rc.RateID,
			&rc.Action, &rc.HTSCode, &rc.DutyRate, &rc.EffectiveStart, &rc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run change")
		}
		out = append(out, rc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list run changes iterate")
}

// Review queue

func (s *PostgresStore) InsertReviewItem(ctx context.Context, r *model.ReviewItem) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()

	candidate, err := json.Marshal(r.Candidate)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal review candidate")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_items (id, job_id, document_id, stage, reason, candidate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.JobID, r.DocumentID, r.Stage, r.Reason, candidate, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert review item")
}

func (s *PostgresStore) ListReviewItems(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, document_id, stage, reason, candidate, created_at
		 FROM review_items ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review items")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		var r model.ReviewItem
		var candidate []byte
		if err := rows.Scan(&r.ID, &r.JobID, &r.DocumentID, &r.Stage, &r.Reason,
			&candidate, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review item")
		}
		if err := json.Unmarshal(candidate, &r.Candidate); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal review candidate %s", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list review items iterate")
}

// Audit

func (s *PostgresStore) ListAuditForRecord(ctx context.Context, recordID string) ([]model.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, table_name, record_id, action, old_values, new_values, document_id, evidence_id, job_id, run_id, created_at
		 FROM audit_log WHERE record_id = $1 ORDER BY id`,
		recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit entries")
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &e.Action,
			&e.OldValues, &e.NewValues, &e.DocumentID, &e.EvidenceID,
			&e.JobID, &e.RunID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit entries iterate")
}
