// Package discovery turns {source, external_id, url} tuples from a
// discovery collaborator into queued ingest jobs, deduplicating against
// the latest job per external_id.
package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/db"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Discovered is one document reference produced by a discovery
// collaborator. ContentHash is set only when the feed publishes one;
// the fetch stage computes the authoritative hash either way.
type Discovered struct {
	Source      string
	ExternalID  string
	URL         string
	ContentHash string
	PublishedAt *time.Time
}

// EnqueueResult reports what one enqueue batch did.
type EnqueueResult struct {
	Queued  int
	Skipped int
	Errors  []string
}

// Enqueuer creates jobs for discovered documents.
type Enqueuer struct {
	store store.Store
}

// NewEnqueuer creates an Enqueuer over the given store.
func NewEnqueuer(s store.Store) *Enqueuer {
	return &Enqueuer{store: s}
}

// Enqueue creates one queued job per discovered document that is not
// already known. A tuple whose latest revision already reached a
// successful terminal state with the same content hash is skipped;
// per-row failures are collected, never fatal for the batch.
func (e *Enqueuer) Enqueue(ctx context.Context, runID string, discovered []Discovered) EnqueueResult {
	var res EnqueueResult
	log := zap.L().With(zap.String("run_id", runID))

	for _, d := range discovered {
		if d.Source == "" || d.ExternalID == "" {
			res.Errors = append(res.Errors, "discovered tuple missing source or external_id")
			continue
		}

		latest, err := e.store.LatestJobRevision(ctx, d.Source, d.ExternalID)
		if err != nil {
			res.Errors = append(res.Errors, d.ExternalID+": "+err.Error())
			continue
		}
		if latest != nil && alreadyHandled(latest, d.ContentHash) {
			res.Skipped++
			continue
		}

		job := &model.IngestJob{
			Source:      d.Source,
			ExternalID:  d.ExternalID,
			ContentHash: d.ContentHash,
			URL:         d.URL,
		}
		if runID != "" {
			job.RunID = &runID
		}
		_, created, err := e.store.CreateOrGetJob(ctx, job)
		if err != nil {
			res.Errors = append(res.Errors, d.ExternalID+": "+err.Error())
			continue
		}
		if !created {
			res.Skipped++
			continue
		}
		res.Queued++
	}

	if runID != "" {
		if err := e.store.BumpRunCounters(ctx, runID, res.Queued+res.Skipped, 0, 0); err != nil {
			res.Errors = append(res.Errors, "bump run counters: "+err.Error())
		}
	}
	log.Info("enqueue batch finished",
		zap.Int("queued", res.Queued),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

// alreadyHandled reports whether the latest job already covers the
// discovered content. A new hash always means a new revision is due; an
// absent hash defers to the fetch-stage short-circuit and only skips
// when the latest job is still in flight or ended successfully.
func alreadyHandled(latest *model.IngestJob, hash string) bool {
	if hash != "" && hash != latest.ContentHash {
		return false
	}
	switch latest.Status {
	case model.JobCommitted, model.JobCompletedNoChanges, model.JobAlreadyProcessed:
		return true
	case model.JobFailed, model.JobNeedsReview:
		return false
	default:
		// Queued or mid-pipeline: the existing job will handle it.
		return true
	}
}

// documentStubCols is the column set the backfill loader writes.
var documentStubCols = []string{"id", "source", "external_id", "url", "content_hash", "status", "created_at", "updated_at"}

// Backfill loads a large batch of discovered document stubs in one
// round trip via COPY plus ON CONFLICT DO NOTHING, then enqueues jobs
// for them. Postgres-only: backfills at this size have no SQLite story.
func Backfill(ctx context.Context, pool db.Pool, s store.Store, runID string, discovered []Discovered) (EnqueueResult, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(discovered))
	for _, d := range discovered {
		if d.ContentHash == "" {
			// Hashless tuples get their document row at fetch time.
			continue
		}
		rows = append(rows, []any{
			uuid.New().String(), d.Source, d.ExternalID, d.URL, d.ContentHash,
			string(model.DocFetched), now, now,
		})
	}

	if len(rows) > 0 {
		n, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
			Table:        "documents",
			Columns:      documentStubCols,
			ConflictKeys: []string{"source", "external_id", "content_hash"},
			DoNothing:    true,
		}, rows)
		if err != nil {
			return EnqueueResult{}, err
		}
		zap.L().Info("backfill document stubs loaded",
			zap.Int64("inserted", n),
			zap.Int("offered", len(rows)),
		)
	}

	return NewEnqueuer(s).Enqueue(ctx, runID, discovered), nil
}
