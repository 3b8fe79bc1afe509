package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/extract"
	"github.com/sells-group/tariff-sync/internal/gate"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
	"github.com/sells-group/tariff-sync/internal/validate"
)

const noticeHTML = `<html><body>
<h1>Notice of Modification of Action</h1>
<p>Pursuant to section 301, an additional 25% duty applies under heading
9903.88.03, effective September 24, 2018.</p>
<table>
<tr><td>8544.42.90.90</td><td>25%</td><td>September 24, 2018</td></tr>
<tr><td>8544.49.20.00</td><td>25%</td><td>September 24, 2018</td></tr>
</table>
</body></html>`

type fakeResponse struct {
	body        string
	contentType string
}

type fakeTransport struct {
	responses map[string]fakeResponse
	err       error
	calls     int
}

func (f *fakeTransport) Fetch(_ context.Context, rawURL string) ([]byte, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	r, ok := f.responses[rawURL]
	if !ok {
		return nil, "", eris.Errorf("fetcher: unexpected status 404 from %s", rawURL)
	}
	return []byte(r.body), r.contentType, nil
}

func newTestPipeline(t *testing.T, transport *fakeTransport) (*Pipeline, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	gateCfg := config.GateConfig{MinConfidence: 0.5, ContextLines: 2}
	g := gate.New(
		config.TrustConfig{
			Sources: []string{"federal_register"},
			Domains: []string{"federalregister.gov"},
		},
		gateCfg,
	)
	return New(s, transport, extract.NewExtractor(nil, ""), validate.NewChecker(gateCfg), g), s
}

func enqueue(t *testing.T, s store.Store, source, externalID, url string) *model.IngestJob {
	t.Helper()
	job, created, err := s.CreateOrGetJob(context.Background(), &model.IngestJob{
		Source:     source,
		ExternalID: externalID,
		URL:        url,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func claim(t *testing.T, s store.Store) *model.IngestJob {
	t.Helper()
	job, err := s.ClaimNext(context.Background(), "worker-test")
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestProcess_CommitsTableCandidates(t *testing.T) {
	url := "https://www.federalregister.gov/d/2018-20610"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)
	ctx := context.Background()

	enqueue(t, s, "federal_register", "2018-20610", url)
	job := claim(t, s)

	res, err := p.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, res.Status)
	assert.Equal(t, 2, res.Committed)
	assert.Zero(t, res.Reviewed)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, stored.Status)
	require.NotNil(t, stored.DocumentID)
	require.NotNil(t, stored.CompletedAt)

	doc, err := s.GetDocument(ctx, *stored.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, model.DocCommitted, doc.Status)
	assert.NotEmpty(t, doc.CanonicalText)
}

func TestProcess_SameContentShortCircuits(t *testing.T) {
	url1 := "https://www.federalregister.gov/d/a"
	url2 := "https://www.federalregister.gov/d/b"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url1: {body: noticeHTML, contentType: "text/html"},
		url2: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)
	ctx := context.Background()

	enqueue(t, s, "federal_register", "doc-a", url1)
	first, err := p.Process(ctx, claim(t, s))
	require.NoError(t, err)
	require.Equal(t, model.JobCommitted, first.Status)

	enqueue(t, s, "federal_register", "doc-b", url2)
	second, err := p.Process(ctx, claim(t, s))
	require.NoError(t, err)
	assert.Equal(t, model.JobAlreadyProcessed, second.Status)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	assert.Len(t, open, 2, "short-circuit writes no new rows")
}

func TestProcess_NoCandidatesCompletesWithoutChanges(t *testing.T) {
	url := "https://www.federalregister.gov/d/empty"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: "<html><p>Administrative correction, no rate changes.</p></html>", contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)

	enqueue(t, s, "federal_register", "empty-1", url)
	res, err := p.Process(context.Background(), claim(t, s))
	require.NoError(t, err)
	assert.Equal(t, model.JobCompletedNoChanges, res.Status)
	assert.Zero(t, res.Committed)
}

func TestProcess_UntrustedSourceRoutesToReview(t *testing.T) {
	url := "https://www.federalregister.gov/d/untrusted"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)
	ctx := context.Background()

	enqueue(t, s, "random_blog", "blog-1", url)
	res, err := p.Process(ctx, claim(t, s))
	require.NoError(t, err)
	assert.Equal(t, model.JobNeedsReview, res.Status)
	assert.Zero(t, res.Committed, "untrusted source writes zero rows")
	assert.Equal(t, 2, res.Reviewed)

	items, err := s.ListReviewItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "write_gate", items[0].Stage)
	assert.Contains(t, items[0].Reason, "random_blog")

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestProcess_FetchFailureMarksJobFailed(t *testing.T) {
	transport := &fakeTransport{err: eris.New("connection refused")}
	p, s := newTestPipeline(t, transport)
	ctx := context.Background()

	enqueue(t, s, "federal_register", "down-1", "https://www.federalregister.gov/d/down")
	job := claim(t, s)

	res, err := p.Process(ctx, job)
	require.NoError(t, err, "job failure is data, not an error")
	assert.Equal(t, model.JobFailed, res.Status)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Contains(t, stored.Error, "connection refused")

	// An operator reset makes it claimable again.
	require.NoError(t, s.ResetJob(ctx, job.ID))
	again := claim(t, s)
	assert.Equal(t, job.ID, again.ID)
}

func TestProcess_RunCountersTrackCommits(t *testing.T) {
	url := "https://www.federalregister.gov/d/run"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "federal_register")
	require.NoError(t, err)

	_, created, err := s.CreateOrGetJob(ctx, &model.IngestJob{
		Source:     "federal_register",
		ExternalID: "run-doc",
		URL:        url,
		RunID:      &run.ID,
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = p.Process(ctx, claim(t, s))
	require.NoError(t, err)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DocsProcessed)
	assert.Equal(t, 2, stored.ChangesCommitted)

	changes, err := s.ListRunChanges(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

func TestWorker_DrainProcessesQueue(t *testing.T) {
	url := "https://www.federalregister.gov/d/drain"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)

	enqueue(t, s, "federal_register", "drain-1", url)
	w := NewWorker(s, p, "worker-drain", 10*time.Millisecond)

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.CountJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[model.JobQueued])
}

func TestWorker_LeavesStuckClaimsForOperator(t *testing.T) {
	url := "https://www.federalregister.gov/d/stuck"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)
	ctx := context.Background()

	enqueue(t, s, "federal_register", "stuck-1", url)
	enqueue(t, s, "federal_register", "live-1", url)

	// Simulate a crashed worker: claim the first job, never finish it.
	stuck := claim(t, s)

	// A live worker drains the rest of the queue without touching the
	// foreign claim, however old it gets.
	w := NewWorker(s, p, "worker-live", 10*time.Millisecond)
	_, err := w.Drain(ctx)
	require.NoError(t, err)

	got, err := s.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFetching, got.Status, "stuck claim stays claimed")

	stale, err := s.ListStaleClaims(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	// Releasing the claim is an explicit operator action.
	n, err := s.RequeueStaleClaims(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	again := claim(t, s)
	assert.Equal(t, stuck.ID, again.ID)
}

// contentionStore fails ClaimNext a fixed number of times with a lock
// error before delegating.
type contentionStore struct {
	store.Store
	failures int
}

func (c *contentionStore) ClaimNext(ctx context.Context, workerID string) (*model.IngestJob, error) {
	if c.failures > 0 {
		c.failures--
		return nil, eris.New("sqlite: claim next: database is locked (SQLITE_BUSY)")
	}
	return c.Store.ClaimNext(ctx, workerID)
}

func TestWorker_BacksOffOnStoreContention(t *testing.T) {
	url := "https://www.federalregister.gov/d/busy"
	transport := &fakeTransport{responses: map[string]fakeResponse{
		url: {body: noticeHTML, contentType: "text/html"},
	}}
	p, s := newTestPipeline(t, transport)

	job := enqueue(t, s, "federal_register", "busy-1", url)
	flaky := &contentionStore{Store: s, failures: 2}
	w := NewWorker(flaky, p, "worker-busy", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		stored, err := s.GetJob(context.Background(), job.ID)
		return err == nil && stored.Status == model.JobCommitted
	}, 5*time.Second, 10*time.Millisecond, "worker must retry past lock contention")
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, flaky.failures)
}
