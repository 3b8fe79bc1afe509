package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

const pgJobCols = `id, source, external_id, content_hash, url, document_id, run_id, status, revision_number, parent_job_id, reason, retry_count, max_retries, claimed_by, claimed_at, completed_at, error, discovered_at, updated_at`

// CreateOrGetJob implements the dedup/revision semantics: an identical
// (source, external_id, content_hash) triple returns the existing job
// unchanged; a new hash for a known external_id creates the next
// revision linked to the latest prior one.
func (s *PostgresStore) CreateOrGetJob(ctx context.Context, j *model.IngestJob) (*model.IngestJob, bool, error) {
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

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_jobs (id, source, external_id, content_hash, url, document_id, run_id, status, revision_number, parent_job_id, reason, retry_count, max_retries, discovered_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source, external_id, content_hash) DO NOTHING`,
		j.ID, j.Source, j.ExternalID, j.ContentHash, j.URL, j.DocumentID, j.RunID,
		string(j.Status), j.RevisionNumber, j.ParentJobID, j.Reason,
		0, j.MaxRetries, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert job")
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent enqueue of the same triple.
		existing, err := s.findJobByTriple(ctx, j.Source, j.ExternalID, j.ContentHash)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, eris.New("postgres: job insert conflicted but row not found")
		}
		return existing, false, nil
	}
	return j, true, nil
}

func (s *PostgresStore) findJobByTriple(ctx context.Context, source, externalID, contentHash string) (*model.IngestJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobCols+` FROM ingest_jobs
		 WHERE source = $1 AND external_id = $2 AND content_hash = $3`,
		source, externalID, contentHash)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find job by triple")
	}
	return j, nil
}

// ClaimNext atomically hands the oldest queued job to exactly one worker.
// FOR UPDATE SKIP LOCKED skips rows locked by concurrent claim
// transactions, so N workers never double-claim. Returns nil when the
// queue is empty.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*model.IngestJob, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE ingest_jobs
		 SET status = $1, claimed_by = $2, claimed_at = now(), updated_at = now()
		 WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE status = $3
			ORDER BY discovered_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgJobCols,
		string(model.JobFetching), workerID, string(model.JobQueued))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next")
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.IngestJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobCols+` FROM ingest_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) LatestJobRevision(ctx context.Context, source, externalID string) (*model.IngestJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobCols+` FROM ingest_jobs
		 WHERE source = $1 AND external_id = $2
		 ORDER BY revision_number DESC LIMIT 1`,
		source, externalID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest job revision")
	}
	return j, nil
}

// FindProcessedJobByHash reports whether a different job already carried
// the same content hash to a successful terminal state. Used by the
// fetch stage to short-circuit duplicate commits when two discovery runs
// race on one document.
func (s *PostgresStore) FindProcessedJobByHash(ctx context.Context, contentHash, excludeJobID string) (*model.IngestJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobCols+` FROM ingest_jobs
		 WHERE content_hash = $1 AND id <> $2 AND status = ANY($3)
		 ORDER BY completed_at DESC NULLS LAST LIMIT 1`,
		contentHash, excludeJobID,
		[]string{string(model.JobCommitted), string(model.JobCompletedNoChanges)})
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find processed job by hash")
	}
	return j, nil
}

// TransitionJob performs a guarded status move; the WHERE clause makes
// the update a no-op if another writer got there first.
func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) error {
	if !from.CanTransition(to) {
		return eris.Errorf("job %s: illegal transition %s -> %s", id, from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job %s: not in status %s", id, from)
	}
	return nil
}

// AttachDocument links the fetched document and records its content
// hash on the job, so later jobs can dedup against it by hash.
func (s *PostgresStore) AttachDocument(ctx context.Context, jobID, documentID, contentHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET document_id = $1, content_hash = $2, updated_at = now() WHERE id = $3`,
		documentID, contentHash, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: attach document to job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

// FinishJob moves a job to a terminal status, recording completed_at and
// any error message. Committed transactionally by the single UPDATE so a
// crashing worker never leaves the job mid-status.
func (s *PostgresStore) FinishJob(ctx context.Context, id string, to model.JobStatus, errMsg string) error {
	if !to.Terminal() {
		return eris.Errorf("job %s: %s is not a terminal status", id, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = $1, error = $2, completed_at = now(), updated_at = now() WHERE id = $3`,
		string(to), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", id)
	}
	return nil
}

// ResetJob re-queues a failed job, incrementing retry_count. Exceeding
// max_retries is an error: nothing retries past the cap.
func (s *PostgresStore) ResetJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = $1, retry_count = retry_count + 1, claimed_by = NULL, claimed_at = NULL,
		     completed_at = NULL, error = '', updated_at = now()
		 WHERE id = $2 AND status = $3 AND retry_count < max_retries`,
		string(model.JobQueued), id, string(model.JobFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job %s: not failed or retries exhausted", id)
	}
	return nil
}

func (s *PostgresStore) CountJobs(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM ingest_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

// ListStaleClaims surfaces claimed-but-stuck jobs (worker crashed
// mid-pipeline) for operational detection via claimed_at age.
func (s *PostgresStore) ListStaleClaims(ctx context.Context, olderThan time.Duration) ([]model.IngestJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobCols+` FROM ingest_jobs
		 WHERE claimed_at IS NOT NULL AND claimed_at < $1 AND completed_at IS NULL
		 ORDER BY claimed_at`,
		cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale claims")
	}
	defer rows.Close()

	var jobs []model.IngestJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale claim")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list stale claims iterate")
}

func (s *PostgresStore) RequeueStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = $1, claimed_by = NULL, claimed_at = NULL, retry_count = retry_count + 1, updated_at = now()
		 WHERE claimed_at IS NOT NULL AND claimed_at < $2 AND completed_at IS NULL AND retry_count < max_retries`,
		string(model.JobQueued), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue stale claims")
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row scannable) (*model.IngestJob, error) {
	var j model.IngestJob
	err := row.Scan(&j.ID, &j.Source, &j.ExternalID, &j.ContentHash, &j.URL,
		&j.DocumentID, &j.RunID, &j.Status, &j.RevisionNumber, &j.ParentJobID,
		&j.Reason, &j.RetryCount, &j.MaxRetries, &j.ClaimedBy, &j.ClaimedAt,
		&j.CompletedAt, &j.Error, &j.DiscoveredAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
