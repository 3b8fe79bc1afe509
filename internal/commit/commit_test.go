package commit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

func ptr[T any](v T) *T { return &v }

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "commit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return NewEngine(s), s
}

func fixtures(t *testing.T, s store.Store) (*model.Document, *model.IngestJob) {
	t.Helper()
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "federal_register")
	require.NoError(t, err)

	doc := &model.Document{
		Source:        "federal_register",
		ExternalID:    "2018-20610",
		ContentHash:   "hash-a",
		CanonicalText: "8544.42.90.90 25% under 9903.88.03",
		Status:        model.DocRendered,
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	job := &model.IngestJob{
		Source:     "federal_register",
		ExternalID: "2018-20610",
		RunID:      &run.ID,
	}
	job, _, err = s.CreateOrGetJob(ctx, job)
	require.NoError(t, err)
	return doc, job
}

func evidenceFor(doc *model.Document, c *model.CandidateChange) *model.EvidencePacket {
	return &model.EvidencePacket{
		DocumentID:    doc.ID,
		DocumentHash:  doc.ContentHash,
		Quote:         c.EvidenceQuote,
		ProvesHTSCode: c.HTSCode,
		Verified:      true,
		Confidence:    1.0,
	}
}

func s301Candidate() model.CandidateChange {
	return model.CandidateChange{
		HTSCode:       "8544.42.90.90",
		Program:       model.ProgramSection301,
		ProgramCode:   "9903.88.03",
		ListCode:      "list_3",
		Rate:          ptr(0.25),
		EffectiveDate: ptr(date(2018, 7, 6)),
		Role:          model.RoleImpose,
		Method:        model.MethodTable,
		EvidenceQuote: "8544.42.90.90 25% under 9903.88.03",
	}
}

func TestCommit_InsertIntoEmptyStore(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	c := s301Candidate()
	out, err := e.Commit(ctx, doc, job, &c, evidenceFor(doc, &c))
	require.NoError(t, err)
	assert.Equal(t, model.AuditInsert, out.Action)
	require.Len(t, out.RateIDs, 1)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "8544429090", open[0].HTSPrefix)
	assert.Equal(t, 0.25, open[0].DutyRate)
	assert.Equal(t, date(2018, 7, 6), open[0].EffectiveStart.UTC())
	assert.Nil(t, open[0].EffectiveEnd)
	assert.Nil(t, open[0].SupersedesID)
	require.NotNil(t, open[0].EvidenceID)
}

func TestCommit_SupersedesPriorOpenRow(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	first := s301Candidate()
	firstOut, err := e.Commit(ctx, doc, job, &first, evidenceFor(doc, &first))
	require.NoError(t, err)

	second := s301Candidate()
	second.ProgramCode = "9903.91.07"
	second.Rate = ptr(0.50)
	second.EffectiveDate = ptr(date(2026, 1, 1))
	out, err := e.Commit(ctx, doc, job, &second, evidenceFor(doc, &second))
	require.NoError(t, err)
	assert.Equal(t, model.AuditSupersede, out.Action)
	assert.Equal(t, firstOut.RateIDs[0], out.SupersededID)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	require.Len(t, open, 1, "exactly one open row per key survives")
	assert.Equal(t, 0.50, open[0].DutyRate)
	require.NotNil(t, open[0].SupersedesID)
	assert.Equal(t, firstOut.RateIDs[0], *open[0].SupersedesID)
}

func TestCommit_ScheduleChainsRows(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	c := s301Candidate()
	c.Rate = nil
	c.EffectiveDate = nil
	c.RateSchedule = []model.RateScheduleEntry{
		{Rate: 0.25, EffectiveStart: date(2025, 1, 1), EffectiveEnd: ptr(date(2026, 1, 1))},
		{Rate: 0.50, EffectiveStart: date(2026, 1, 1)},
	}

	out, err := e.Commit(ctx, doc, job, &c, evidenceFor(doc, &c))
	require.NoError(t, err)
	assert.Equal(t, model.AuditInsert, out.Action)
	require.Len(t, out.RateIDs, 2)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	require.Len(t, open, 1, "only the last schedule step stays open")
	assert.Equal(t, 0.50, open[0].DutyRate)
	require.NotNil(t, open[0].SupersedesID)
	assert.Equal(t, out.RateIDs[0], *open[0].SupersedesID, "steps chain in schedule order")
}

func TestCommit_ScheduleClosesPreexistingOpenRow(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	base := s301Candidate()
	base.ListCode = "list_4a"
	_, err := e.Commit(ctx, doc, job, &base, evidenceFor(doc, &base))
	require.NoError(t, err)

	sched := s301Candidate()
	sched.ListCode = "list_4a"
	sched.Rate = nil
	sched.EffectiveDate = nil
	sched.RateSchedule = []model.RateScheduleEntry{
		{Rate: 0.10, EffectiveStart: date(2019, 9, 1)},
		{Rate: 0.15, EffectiveStart: date(2019, 10, 1)},
	}
	out, err := e.Commit(ctx, doc, job, &sched, evidenceFor(doc, &sched))
	require.NoError(t, err)
	assert.Equal(t, model.AuditSupersede, out.Action)
	require.Len(t, out.RateIDs, 2)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 0.15, open[0].DutyRate)
}

func TestCommit_RecommitSupersedesAgainWithoutCorruption(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	c := s301Candidate()
	_, err := e.Commit(ctx, doc, job, &c, evidenceFor(doc, &c))
	require.NoError(t, err)

	again := s301Candidate()
	out, err := e.Commit(ctx, doc, job, &again, evidenceFor(doc, &again))
	require.NoError(t, err)
	assert.Equal(t, model.AuditSupersede, out.Action,
		"re-running the same window supersedes the prior output")

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCommit_DistinctKeysKeepSeparateOpenRows(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	a := s301Candidate()
	_, err := e.Commit(ctx, doc, job, &a, evidenceFor(doc, &a))
	require.NoError(t, err)

	b := s301Candidate()
	b.HTSCode = "8544.49.20.00"
	_, err = e.Commit(ctx, doc, job, &b, evidenceFor(doc, &b))
	require.NoError(t, err)

	open, err := s.ListOpenRates(ctx, model.ProgramSection301)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestCommit_Section232KeyDimensions(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	c := model.CandidateChange{
		HTSCode:       "7208.10.15.00",
		Program:       model.ProgramSection232,
		ProgramCode:   "9903.80.01",
		Material:      "steel",
		Rate:          ptr(0.25),
		EffectiveDate: ptr(date(2018, 3, 23)),
		Role:          model.RoleImpose,
		Method:        model.MethodTable,
	}
	_, err := e.Commit(ctx, doc, job, &c, evidenceFor(doc, &c))
	require.NoError(t, err)

	open, err := s.ListOpenRates(ctx, model.ProgramSection232)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "steel", open[0].Material)
}

func TestCommit_UnresolvedProgramFails(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)

	c := s301Candidate()
	c.Program = ""
	_, err := e.Commit(context.Background(), doc, job, &c, evidenceFor(doc, &c))
	assert.Error(t, err)
}

func TestCommit_NoEffectiveDateFails(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)

	c := s301Candidate()
	c.EffectiveDate = nil
	_, err := e.Commit(context.Background(), doc, job, &c, evidenceFor(doc, &c))
	assert.Error(t, err)
}

func TestCommit_WritesAuditAndRunChanges(t *testing.T) {
	e, s := newTestEngine(t)
	doc, job := fixtures(t, s)
	ctx := context.Background()

	c := s301Candidate()
	out, err := e.Commit(ctx, doc, job, &c, evidenceFor(doc, &c))
	require.NoError(t, err)

	audit, err := s.ListAuditForRecord(ctx, out.RateIDs[0])
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditInsert, audit[0].Action)
	assert.Equal(t, "s301_rates", audit[0].TableName)
	assert.NotEmpty(t, audit[0].NewValues)
	require.NotNil(t, audit[0].JobID)
	assert.Equal(t, job.ID, *audit[0].JobID)

	require.NotNil(t, job.RunID)
	changes, err := s.ListRunChanges(ctx, *job.RunID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, out.RateIDs[0], changes[0].RateID)
	assert.Equal(t, "8544.42.90.90", changes[0].HTSCode)
}

func TestRateAsOf(t *testing.T) {
	rows := []model.TariffRate{
		{ID: "a", DutyRate: 0.25, EffectiveStart: date(2018, 7, 6), EffectiveEnd: ptr(date(2026, 1, 1))},
		{ID: "b", DutyRate: 0.50, EffectiveStart: date(2026, 1, 1)},
	}

	assert.Nil(t, RateAsOf(rows, date(2018, 1, 1)), "before any window")
	r := RateAsOf(rows, date(2020, 6, 1))
	require.NotNil(t, r)
	assert.Equal(t, 0.25, r.DutyRate)
	r = RateAsOf(rows, date(2026, 1, 1))
	require.NotNil(t, r)
	assert.Equal(t, 0.50, r.DutyRate, "boundary day belongs to the new row")
}
