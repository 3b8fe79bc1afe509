package model

import "time"

// JobStatus drives the ingest pipeline state machine.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobFetching   JobStatus = "fetching"
	JobFetched    JobStatus = "fetched"
	JobRendering  JobStatus = "rendering"
	JobRendered   JobStatus = "rendered"
	JobChunking   JobStatus = "chunking"
	JobChunked    JobStatus = "chunked"
	JobExtracting JobStatus = "extracting"
	JobExtracted  JobStatus = "extracted"

	// Terminal states.
	JobCommitted          JobStatus = "committed"
	JobCompletedNoChanges JobStatus = "completed_no_changes"
	JobNeedsReview        JobStatus = "needs_review"
	JobFailed             JobStatus = "failed"
	JobAlreadyProcessed   JobStatus = "already_processed"
)

// jobTransitions enumerates the legal forward moves. failed → queued is
// handled separately by ResetJob since it is an operator action, not a
// pipeline move.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobFetching},
	JobFetching:   {JobFetched, JobFailed, JobAlreadyProcessed},
	JobFetched:    {JobRendering, JobFailed},
	JobRendering:  {JobRendered, JobFailed},
	JobRendered:   {JobChunking, JobFailed},
	JobChunking:   {JobChunked, JobFailed},
	JobChunked:    {JobExtracting, JobFailed},
	JobExtracting: {JobExtracted, JobFailed},
	JobExtracted:  {JobCommitted, JobCompletedNoChanges, JobNeedsReview, JobFailed},
}

// CanTransition reports whether moving from s to the given status is legal.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCommitted, JobCompletedNoChanges, JobNeedsReview, JobFailed, JobAlreadyProcessed:
		return true
	}
	return false
}

// Job creation reasons.
const (
	ReasonInitial       = "initial"
	ReasonContentChange = "content_change"
)

// DefaultMaxRetries caps automatic re-queues of a failed job.
const DefaultMaxRetries = 3

// IngestJob is the unit of work. (source, external_id, content_hash) is
// unique; a re-delivery of the same triple returns the existing job, a new
// hash for a known external_id creates the next revision.
type IngestJob struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	ExternalID     string     `json:"external_id"`
	ContentHash    string     `json:"content_hash"`
	URL            string     `json:"url,omitempty"`
	DocumentID     *string    `json:"document_id,omitempty"`
	RunID          *string    `json:"run_id,omitempty"`
	Status         JobStatus  `json:"status"`
	RevisionNumber int        `json:"revision_number"`
	ParentJobID    *string    `json:"parent_job_id,omitempty"`
	Reason         string     `json:"reason"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	DiscoveredAt   time.Time  `json:"discovered_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Retryable reports whether a failed job may still be reset to queued.
func (j *IngestJob) Retryable() bool {
	return j.Status == JobFailed && j.RetryCount < j.MaxRetries
}
