package model

import "time"

// RunStatus tracks one polling cycle.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Run groups the documents discovered in one polling cycle and the rate
// changes that resulted, for batch audit export.
type Run struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	Status           RunStatus  `json:"status"`
	DocsDiscovered   int        `json:"docs_discovered"`
	DocsProcessed    int        `json:"docs_processed"`
	ChangesCommitted int        `json:"changes_committed"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// RunChange is one committed rate change attributed to a run.
type RunChange struct {
	ID             int64       `json:"id"`
	RunID          string      `json:"run_id"`
	JobID          string      `json:"job_id"`
	Program        Program     `json:"program"`
	RateID         string      `json:"rate_id"`
	Action         AuditAction `json:"action"`
	HTSCode        string      `json:"hts_code"`
	DutyRate       float64     `json:"duty_rate"`
	EffectiveStart time.Time   `json:"effective_start"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReviewItem persists a candidate that could not be committed, with the
// specific validation or gate reason. Review items never retry
// automatically.
type ReviewItem struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	DocumentID string          `json:"document_id,omitempty"`
	Stage      string          `json:"stage"` // validation | write_gate | commit
	Reason     string          `json:"reason"`
	Candidate  CandidateChange `json:"candidate"`
	CreatedAt  time.Time       `json:"created_at"`
}
