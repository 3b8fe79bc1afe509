package model

import (
	"strconv"
	"time"
)

// EvidencePacket pins the excerpt of source text that proves a committed
// value, with enough provenance to detect later source drift. Append-only.
type EvidencePacket struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	DocumentHash string `json:"document_hash"`
	Quote        string `json:"quote"`
	LineStart    int    `json:"line_start"`
	LineEnd      int    `json:"line_end"`

	// What the quote proves.
	ProvesHTSCode     string     `json:"proves_hts_code,omitempty"`
	ProvesProgramCode string     `json:"proves_program_code,omitempty"`
	ProvesRate        *float64   `json:"proves_rate,omitempty"`
	ProvesDate        *time.Time `json:"proves_effective_date,omitempty"`
	ProvesProgram     Program    `json:"proves_program,omitempty"`

	// Verification outcome.
	Verified      bool    `json:"verified"`
	QuoteVerified bool    `json:"quote_verified"`
	VerifiedBy    string  `json:"verified_by,omitempty"`
	Method        string  `json:"method,omitempty"`
	Confidence    float64 `json:"confidence"`

	CreatedAt time.Time `json:"created_at"`
}

// formatRate renders a duty rate without trailing zero noise, so 0.25
// round-trips as "0.25" in dedup keys and audit snapshots.
func formatRate(r float64) string {
	return strconv.FormatFloat(r, 'g', -1, 64)
}
