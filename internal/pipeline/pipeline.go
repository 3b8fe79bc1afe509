// Package pipeline orchestrates one claimed job through the fixed stage
// order: fetch, render, chunk, extract, then validate/gate/commit per
// candidate. Stages run sequentially; the only lock ever held is the
// claim itself.
package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/commit"
	"github.com/sells-group/tariff-sync/internal/extract"
	"github.com/sells-group/tariff-sync/internal/fetcher"
	"github.com/sells-group/tariff-sync/internal/gate"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/render"
	"github.com/sells-group/tariff-sync/internal/store"
	"github.com/sells-group/tariff-sync/internal/validate"
)

// Pipeline wires the stage collaborators together.
type Pipeline struct {
	store     store.Store
	transport fetcher.Transport
	extractor *extract.Extractor
	checker   validate.Checker
	gate      *gate.Gate
	engine    *commit.Engine
}

// New assembles a pipeline.
func New(s store.Store, transport fetcher.Transport, ex *extract.Extractor, ck validate.Checker, g *gate.Gate) *Pipeline {
	return &Pipeline{
		store:     s,
		transport: transport,
		extractor: ex,
		checker:   ck,
		gate:      g,
		engine:    commit.NewEngine(s),
	}
}

// Result summarizes one processed job.
type Result struct {
	JobID      string
	Status     model.JobStatus
	Candidates int
	Committed  int
	Reviewed   int
	Warnings   []string
}

// Process runs one claimed job to a terminal state. The returned error
// is nil even when the job fails: failure is recorded on the job row,
// and only infrastructure errors (store unreachable) surface here.
func (p *Pipeline) Process(ctx context.Context, job *model.IngestJob) (*Result, error) {
	res := &Result{JobID: job.ID}
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("external_id", job.ExternalID))
	if job.RunID != nil {
		log = log.With(zap.String("run_id", *job.RunID))
	}

	doc, raw, shortCircuit, err := p.fetch(ctx, job, log)
	if err != nil {
		return p.fail(ctx, job, res, err, log)
	}
	if shortCircuit {
		res.Status = model.JobAlreadyProcessed
		return res, p.store.FinishJob(ctx, job.ID, model.JobAlreadyProcessed, "")
	}
	log = log.With(zap.String("document_id", doc.ID))

	if err := p.renderStage(ctx, job, doc, raw, log); err != nil {
		return p.fail(ctx, job, res, err, log)
	}

	if err := p.chunkStage(ctx, job, doc, log); err != nil {
		return p.fail(ctx, job, res, err, log)
	}

	extracted, err := p.extractStage(ctx, job, doc, raw, log)
	if err != nil {
		return p.fail(ctx, job, res, err, log)
	}
	res.Candidates = len(extracted.Candidates)
	res.Warnings = append(res.Warnings, extracted.Warnings...)

	p.settle(ctx, job, doc, extracted.Candidates, res, log)

	if job.RunID != nil {
		if err := p.store.BumpRunCounters(ctx, *job.RunID, 0, 1, res.Committed); err != nil {
			log.Warn("bump run counters failed", zap.Error(err))
		}
	}
	return res, nil
}

// fetch downloads the job's URL, dedups against already-processed
// content, and ensures a document row exists.
func (p *Pipeline) fetch(ctx context.Context, job *model.IngestJob, log *zap.Logger) (*model.Document, []byte, bool, error) {
	if job.URL == "" {
		return nil, nil, false, eris.New("pipeline: job has no url")
	}

	raw, contentType, err := p.transport.Fetch(ctx, job.URL)
	if err != nil {
		return nil, nil, false, eris.Wrap(err, "pipeline: fetch")
	}
	hash := fetcher.Hash(raw)
	log.Info("fetched", zap.Int("bytes", len(raw)), zap.String("content_type", contentType))

	// The same content committed by an earlier job means there is
	// nothing new to extract, regardless of how it was discovered.
	prior, err := p.store.FindProcessedJobByHash(ctx, hash, job.ID)
	if err != nil {
		return nil, nil, false, err
	}
	if prior != nil {
		log.Info("content already processed", zap.String("prior_job_id", prior.ID))
		return nil, nil, true, nil
	}

	doc, err := p.store.FindDocumentByHash(ctx, job.Source, hash)
	if err != nil {
		return nil, nil, false, err
	}
	if doc == nil {
		doc = &model.Document{
			Source:      job.Source,
			ExternalID:  job.ExternalID,
			URL:         job.URL,
			ContentHash: hash,
			ContentType: contentType,
			Status:      model.DocFetched,
		}
		if err := p.store.CreateDocument(ctx, doc); err != nil {
			return nil, nil, false, err
		}
		if err := p.store.SetDocumentContent(ctx, doc.ID, raw, hash, contentType); err != nil {
			return nil, nil, false, err
		}
	}
	if err := p.store.AttachDocument(ctx, job.ID, doc.ID, hash); err != nil {
		return nil, nil, false, err
	}
	job.DocumentID = &doc.ID
	job.ContentHash = hash

	if err := p.store.TransitionJob(ctx, job.ID, model.JobFetching, model.JobFetched); err != nil {
		return nil, nil, false, err
	}
	job.Status = model.JobFetched
	return doc, raw, false, nil
}

func (p *Pipeline) renderStage(ctx context.Context, job *model.IngestJob, doc *model.Document, raw []byte, log *zap.Logger) error {
	if err := p.store.TransitionJob(ctx, job.ID, model.JobFetched, model.JobRendering); err != nil {
		return err
	}

	var text string
	var err error
	if isSpreadsheet(doc.ContentType) {
		text, err = extract.XLSXText(raw)
	} else {
		text, err = render.Canonicalize(raw, doc.ContentType)
	}
	if err != nil {
		return eris.Wrap(err, "pipeline: render")
	}

	if err := p.store.SetCanonicalText(ctx, doc.ID, text); err != nil {
		return err
	}
	doc.CanonicalText = text
	doc.Status = model.DocRendered
	log.Info("rendered", zap.Int("lines", len(render.Lines(text))))

	if err := p.store.TransitionJob(ctx, job.ID, model.JobRendering, model.JobRendered); err != nil {
		return err
	}
	job.Status = model.JobRendered
	return nil
}

func (p *Pipeline) chunkStage(ctx context.Context, job *model.IngestJob, doc *model.Document, log *zap.Logger) error {
	if err := p.store.TransitionJob(ctx, job.ID, model.JobRendered, model.JobChunking); err != nil {
		return err
	}
	chunks := render.Split(doc.CanonicalText, render.DefaultChunkLines)
	log.Info("chunked", zap.Int("chunks", len(chunks)))
	if err := p.store.AdvanceDocument(ctx, doc.ID, model.DocChunked); err != nil {
		return err
	}
	doc.Status = model.DocChunked
	if err := p.store.TransitionJob(ctx, job.ID, model.JobChunking, model.JobChunked); err != nil {
		return err
	}
	job.Status = model.JobChunked
	return nil
}

func (p *Pipeline) extractStage(ctx context.Context, job *model.IngestJob, doc *model.Document, raw []byte, log *zap.Logger) (extract.Result, error) {
	if err := p.store.TransitionJob(ctx, job.ID, model.JobChunked, model.JobExtracting); err != nil {
		return extract.Result{}, err
	}

	in := extract.Input{
		CanonicalText: doc.CanonicalText,
		DocumentHash:  doc.ContentHash,
		DocumentDate:  extract.DocumentDate(doc.CanonicalText),
	}
	if isSpreadsheet(doc.ContentType) {
		in.RawAnnex = raw
	}
	res, err := p.extractor.Extract(ctx, in)
	if err != nil {
		return extract.Result{}, eris.Wrap(err, "pipeline: extract")
	}
	log.Info("extracted",
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("warnings", len(res.Warnings)),
	)

	if err := p.store.AdvanceDocument(ctx, doc.ID, model.DocExtracted); err != nil {
		return extract.Result{}, err
	}
	doc.Status = model.DocExtracted
	if err := p.store.TransitionJob(ctx, job.ID, model.JobExtracting, model.JobExtracted); err != nil {
		return extract.Result{}, err
	}
	job.Status = model.JobExtracted
	return res, nil
}

// settle validates, gates, and commits each candidate, then moves the
// job to its terminal state. Rejected candidates go to the review queue
// with the specific reason; they never retry automatically.
func (p *Pipeline) settle(ctx context.Context, job *model.IngestJob, doc *model.Document, candidates []model.CandidateChange, res *Result, log *zap.Logger) {
	for i := range candidates {
		c := &candidates[i]

		v := p.checker.Check(doc.CanonicalText, c)
		if !v.Valid {
			p.review(ctx, job, doc, c, "validation", strings.Join(v.Reasons, "; "), res, log)
			continue
		}

		decision := p.gate.Approve(doc, c, v)
		if !decision.Approved {
			p.review(ctx, job, doc, c, "write_gate", decision.Reason, res, log)
			continue
		}

		if _, err := p.engine.Commit(ctx, doc, job, c, decision.Evidence); err != nil {
			// Storage failure is fatal for this candidate only.
			p.review(ctx, job, doc, c, "commit", err.Error(), res, log)
			continue
		}
		res.Committed++
	}

	var final model.JobStatus
	switch {
	case res.Committed > 0:
		final = model.JobCommitted
		if err := p.store.AdvanceDocument(ctx, doc.ID, model.DocCommitted); err != nil {
			log.Warn("advance document failed", zap.Error(err))
		}
	case res.Reviewed > 0:
		final = model.JobNeedsReview
	default:
		final = model.JobCompletedNoChanges
	}

	if err := p.store.FinishJob(ctx, job.ID, final, ""); err != nil {
		log.Error("finish job failed", zap.Error(err))
		res.Status = job.Status
		return
	}
	job.Status = final
	res.Status = final
	log.Info("job settled",
		zap.String("status", string(final)),
		zap.Int("committed", res.Committed),
		zap.Int("reviewed", res.Reviewed),
	)
}

func (p *Pipeline) review(ctx context.Context, job *model.IngestJob, doc *model.Document, c *model.CandidateChange, stage, reason string, res *Result, log *zap.Logger) {
	item := &model.ReviewItem{
		JobID:      job.ID,
		DocumentID: doc.ID,
		Stage:      stage,
		Reason:     reason,
		Candidate:  *c,
	}
	if err := p.store.InsertReviewItem(ctx, item); err != nil {
		log.Error("persist review item failed", zap.Error(err))
		res.Warnings = append(res.Warnings, "review item lost: "+reason)
		return
	}
	res.Reviewed++
	log.Info("candidate routed to review",
		zap.String("stage", stage),
		zap.String("hts_code", c.HTSCode),
		zap.String("reason", reason),
	)
}

// fail marks the job failed with the error message. Transient causes
// leave the job eligible for an operator reset.
func (p *Pipeline) fail(ctx context.Context, job *model.IngestJob, res *Result, cause error, log *zap.Logger) (*Result, error) {
	log.Error("job failed", zap.Error(cause))
	res.Status = model.JobFailed
	if err := p.store.FinishJob(ctx, job.ID, model.JobFailed, cause.Error()); err != nil {
		return res, eris.Wrap(err, "pipeline: record failure")
	}
	return res, nil
}

func isSpreadsheet(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "spreadsheetml") || strings.Contains(ct, "ms-excel")
}
