package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

const sqJobCols = `id, source, external_id, content_hash, url, document_id, run_id, status, revision_number, parent_job_id, reason, retry_count, max_retries, claimed_by, claimed_at, completed_at, error, discovered_at, updated_at`

func (s *SQLiteStore) CreateOrGetJob(ctx context.Context, j *model.IngestJob) (*model.IngestJob, bool, error) {
	existing, err := s.findJobByTriple(ctx, j.Source, j.ExternalID, j.ContentHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	prior, err := s.LatestJobRevision(ctx, j.Source, j.ExternalID)
	if err != nil {
		return nil, false, err
	}

	j.ID = uuid.New().String()
	j.Status = model.JobQueued
	j.Reason = model.ReasonInitial
	j.RevisionNumber = 1
	j.ParentJobID = nil
	if prior != nil {
		j.RevisionNumber = prior.RevisionNumber + 1
		j.ParentJobID = &prior.ID
		j.Reason = model.ReasonContentChange
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = model.DefaultMaxRetries
	}
	now := time.Now().UTC()
	j.DiscoveredAt = now
	j.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_jobs (id, source, external_id, content_hash, url, document_id, run_id, status, revision_number, parent_job_id, reason, retry_count, max_retries, discovered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, external_id, content_hash) DO NOTHING`,
		j.ID, j.Source, j.ExternalID, j.ContentHash, j.URL, j.DocumentID, j.RunID,
		string(j.Status), j.RevisionNumber, j.ParentJobID, j.Reason,
		0, j.MaxRetries, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert job rows affected")
	}
	if n == 0 {
		existing, err := s.findJobByTriple(ctx, j.Source, j.ExternalID, j.ContentHash)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, eris.New("sqlite: job insert conflicted but row not found")
		}
		return existing, false, nil
	}
	return j, true, nil
}

func (s *SQLiteStore) findJobByTriple(ctx context.Context, source, externalID, contentHash string) (*model.IngestJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqJobCols+` FROM ingest_jobs
		 WHERE source = ? AND external_id = ? AND content_hash = ?`,
		source, externalID, contentHash)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find job by triple")
	}
	return j, nil
}

// ClaimNext selects the oldest queued job and claims it with a guarded
// update. SQLite has no SKIP LOCKED; this is safe because SQLite
// deployments run a single worker, and the status guard still makes a
// double-claim impossible under concurrent callers.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string) (*model.IngestJob, error) {
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sqJobCols+` FROM ingest_jobs
			 WHERE status = ? ORDER BY discovered_at LIMIT 1`,
			string(model.JobQueued))
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: claim select")
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx,
			`UPDATE ingest_jobs SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(model.JobFetching), workerID, now, now, j.ID, string(model.JobQueued),
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: claim update")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: claim rows affected")
		}
		if n == 0 {
			// Someone else took it; try the next queued job.
			continue
		}
		j.Status = model.JobFetching
		j.ClaimedBy = &workerID
		j.ClaimedAt = &now
		j.UpdatedAt = now
		return j, nil
	}
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.IngestJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqJobCols+` FROM ingest_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) LatestJobRevision(ctx context.Context, source, externalID string) (*model.IngestJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqJobCols+` FROM ingest_jobs
		 WHERE source = ? AND external_id = ?
		 ORDER BY revision_number DESC LIMIT 1`,
		source, externalID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest job revision")
	}
	return j, nil
}

func (s *SQLiteStore) FindProcessedJobByHash(ctx context.Context, contentHash, excludeJobID string) (*model.IngestJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqJobCols+` FROM ingest_jobs
		 WHERE content_hash = ? AND id <> ? AND status IN (?, ?)
		 ORDER BY completed_at DESC LIMIT 1`,
		contentHash, excludeJobID,
		string(model.JobCommitted), string(model.JobCompletedNoChanges))
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find processed job by hash")
	}
	return j, nil
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) error {
	if !from.CanTransition(to) {
		return eris.Errorf("job %s: illegal transition %s -> %s", id, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: transition rows affected")
	}
	if n == 0 {
		return eris.Errorf("job %s: not in status %s", id, from)
	}
	return nil
}

func (s *SQLiteStore) AttachDocument(ctx context.Context, jobID, documentID, contentHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET document_id = ?, content_hash = ?, updated_at = ? WHERE id = ?`,
		documentID, contentHash, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: attach document to job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FinishJob(ctx context.Context, id string, to model.JobStatus, errMsg string) error {
	if !to.Terminal() {
		return eris.Errorf("job %s: %s is not a terminal status", id, to)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(to), errMsg, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) ResetJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs
		 SET status = ?, retry_count = retry_count + 1, claimed_by = NULL, claimed_at = NULL,
		     completed_at = NULL, error = '', updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count < max_retries`,
		string(model.JobQueued), time.Now().UTC(), id, string(model.JobFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: reset rows affected")
	}
	if n == 0 {
		return eris.Errorf("job %s: not failed or retries exhausted", id)
	}
	return nil
}

func (s *SQLiteStore) CountJobs(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ingest_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

func (s *SQLiteStore) ListStaleClaims(ctx context.Context, olderThan time.Duration) ([]model.IngestJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqJobCols+` FROM ingest_jobs
		 WHERE claimed_at IS NOT NULL AND claimed_at < ? AND completed_at IS NULL
		 ORDER BY claimed_at`,
		cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale claims")
	}
	defer rows.Close()

	var jobs []model.IngestJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale claim")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list stale claims iterate")
}

func (s *SQLiteStore) RequeueStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs
		 SET status = ?, claimed_by = NULL, claimed_at = NULL, retry_count = retry_count + 1, updated_at = ?
		 WHERE claimed_at IS NOT NULL AND claimed_at < ? AND completed_at IS NULL AND retry_count < max_retries`,
		string(model.JobQueued), time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue stale claims")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue rows affected")
	}
	return int(n), nil
}
