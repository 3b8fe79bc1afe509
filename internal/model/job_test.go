package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobFetching, true},
		{JobFetching, JobFetched, true},
		{JobFetching, JobAlreadyProcessed, true},
		{JobExtracted, JobCommitted, true},
		{JobExtracted, JobCompletedNoChanges, true},
		{JobExtracted, JobNeedsReview, true},
		{JobChunked, JobExtracting, true},
		{JobQueued, JobCommitted, false},
		{JobFetched, JobFetching, false},
		{JobCommitted, JobFailed, false},
		{JobFailed, JobQueued, false}, // reset is an operator action, not a transition
		{JobRendered, JobChunking, true},
		{JobRendering, JobFailed, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCommitted, JobCompletedNoChanges, JobNeedsReview, JobFailed, JobAlreadyProcessed} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []JobStatus{JobQueued, JobFetching, JobExtracting} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestJobRetryable(t *testing.T) {
	j := &IngestJob{Status: JobFailed, RetryCount: 2, MaxRetries: 3}
	assert.True(t, j.Retryable())

	j.RetryCount = 3
	assert.False(t, j.Retryable())

	j = &IngestJob{Status: JobQueued, RetryCount: 0, MaxRetries: 3}
	assert.False(t, j.Retryable())
}

func TestDocumentStatusAdvances(t *testing.T) {
	assert.True(t, DocFetched.Advances(DocRendered))
	assert.True(t, DocChunked.Advances(DocCommitted))
	assert.False(t, DocCommitted.Advances(DocFetched))
	assert.False(t, DocRendered.Advances(DocRendered))
}

func TestCandidateDedupKey(t *testing.T) {
	rate := 0.25
	date := time.Date(2018, 7, 6, 0, 0, 0, 0, time.UTC)
	a := &CandidateChange{HTSCode: "8544429090", Rate: &rate, EffectiveDate: &date}
	b := &CandidateChange{HTSCode: "8544429090", Rate: &rate, EffectiveDate: &date, Method: MethodHeuristic}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	other := 0.5
	c := &CandidateChange{HTSCode: "8544429090", Rate: &other, EffectiveDate: &date}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())

	// Schedule candidates key off the first entry.
	sched := &CandidateChange{HTSCode: "8544429090", RateSchedule: []RateScheduleEntry{
		{Rate: 0.25, EffectiveStart: date},
	}}
	assert.Equal(t, a.DedupKey(), sched.DedupKey())
}

func TestCandidateEffectiveStart(t *testing.T) {
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := &CandidateChange{EffectiveDate: &date}
	got, ok := c.EffectiveStart()
	assert.True(t, ok)
	assert.Equal(t, date, got)

	sched := &CandidateChange{RateSchedule: []RateScheduleEntry{
		{Rate: 0.25, EffectiveStart: date.AddDate(-1, 0, 0)},
		{Rate: 0.50, EffectiveStart: date},
	}}
	got, ok = sched.EffectiveStart()
	assert.True(t, ok)
	assert.Equal(t, date.AddDate(-1, 0, 0), got)

	_, ok = (&CandidateChange{}).EffectiveStart()
	assert.False(t, ok)
}
