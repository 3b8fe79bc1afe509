package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Worker runs the claim-then-process loop. Each iteration claims at
// most one job transactionally and processes it to a terminal state; no
// lock is held across the pipeline run.
type Worker struct {
	store     store.Store
	pipeline  *Pipeline
	id        string
	idleSleep time.Duration
}

// NewWorker creates a worker with the given identity.
func NewWorker(s store.Store, p *Pipeline, id string, idleSleep time.Duration) *Worker {
	if idleSleep <= 0 {
		idleSleep = 5 * time.Second
	}
	return &Worker{store: s, pipeline: p, id: id, idleSleep: idleSleep}
}

// Run processes jobs until the context is canceled. An empty queue
// sleeps; lock contention in the store backs off and retries; any other
// store error is returned so the caller can decide whether to restart.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("worker", w.id))
	log.Info("worker started")
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return nil
			}
			if resilience.IsTransient(err) {
				log.Warn("store contention, backing off", zap.Error(err))
				select {
				case <-ctx.Done():
					log.Info("worker stopping")
					return nil
				case <-time.After(w.idleSleep):
				}
				continue
			}
			return err
		}
		if !processed {
			select {
			case <-ctx.Done():
				log.Info("worker stopping")
				return nil
			case <-time.After(w.idleSleep):
			}
		}
	}
}

// ProcessOne claims and processes a single job. It reports false when
// the queue was empty.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if _, err := w.pipeline.Process(ctx, job); err != nil {
		return true, err
	}
	return true, nil
}

// Drain processes jobs until the queue is empty, for one-shot backfill
// runs. Returns the number of jobs processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}
