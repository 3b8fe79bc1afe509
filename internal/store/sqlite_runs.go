package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	r := &model.Run{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Source, string(r.Status), r.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, status, docs_discovered, docs_processed, changes_committed, started_at, completed_at
		 FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Source, &r.Status, &r.DocsDiscovered, &r.DocsProcessed,
			&r.ChangesCommitted, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return &r, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) BumpRunCounters(ctx context.Context, id string, discovered, processed, committed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET docs_discovered = docs_discovered + ?,
		                 docs_processed = docs_processed + ?,
		                 changes_committed = changes_committed + ?
		 WHERE id = ?`,
		discovered, processed, committed, id,
	)
	return eris.Wrapf(err, "sqlite: bump run counters %s", id)
}

func (s *SQLiteStore) ListRunChanges(ctx context.Context, runID string) ([]model.RunChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, job_id, program, rate_id, action, hts_code, duty_rate, effective_start, created_at
		 FROM run_changes WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run changes")
	}
	defer rows.Close()

	var out []model.RunChange
	for rows.Next() {
		var rc model.RunChange
		if err := rows.Scan(&rc.ID, &rc.RunID, &rc.JobID, &rc.Program, &rc.RateID,
			&rc.Action, &rc.HTSCode, &rc.DutyRate, &rc.EffectiveStart, &rc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run change")
		}
		out = append(out, rc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list run changes iterate")
}

// Review queue

func (s *SQLiteStore) InsertReviewItem(ctx context.Context, r *model.ReviewItem) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()

	candidate, err := json.Marshal(r.Candidate)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal review candidate")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_items (id, job_id, document_id, stage, reason, candidate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.DocumentID, r.Stage, r.Reason, string(candidate), r.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert review item")
}

func (s *SQLiteStore) ListReviewItems(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, document_id, stage, reason, candidate, created_at
		 FROM review_items ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review items")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		var r model.ReviewItem
		var candidate string
		if err := rows.Scan(&r.ID, &r.JobID, &r.DocumentID, &r.Stage, &r.Reason,
			&candidate, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review item")
		}
		if err := json.Unmarshal([]byte(candidate), &r.Candidate); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal review candidate %s", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list review items iterate")
}

// Audit

func (s *SQLiteStore) ListAuditForRecord(ctx context.Context, recordID string) ([]model.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, record_id, action, old_values, new_values, document_id, evidence_id, job_id, run_id, created_at
		 FROM audit_log WHERE record_id = ? ORDER BY id`,
		recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit entries")
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var oldVals, newVals sql.NullString
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &e.Action,
			&oldVals, &newVals, &e.DocumentID, &e.EvidenceID,
			&e.JobID, &e.RunID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		if oldVals.Valid {
			e.OldValues = json.RawMessage(oldVals.String)
		}
		if newVals.Valid {
			e.NewValues = json.RawMessage(newVals.String)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit entries iterate")
}
