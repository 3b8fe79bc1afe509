package model

import (
	"encoding/json"
	"time"
)

// AuditAction tags what a commit did to a rate row.
type AuditAction string

const (
	AuditInsert    AuditAction = "INSERT"
	AuditSupersede AuditAction = "SUPERSEDE"
)

// AuditLogEntry records one rate-table mutation with before/after
// snapshots and links back to the document, evidence, job, and run that
// caused it. Append-only; this is the legal trail.
type AuditLogEntry struct {
	ID         int64           `json:"id"`
	TableName  string          `json:"table_name"`
	RecordID   string          `json:"record_id"`
	Action     AuditAction     `json:"action"`
	OldValues  json.RawMessage `json:"old_values,omitempty"`
	NewValues  json.RawMessage `json:"new_values,omitempty"`
	DocumentID *string         `json:"document_id,omitempty"`
	EvidenceID *string         `json:"evidence_id,omitempty"`
	JobID      *string         `json:"job_id,omitempty"`
	RunID      *string         `json:"run_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
