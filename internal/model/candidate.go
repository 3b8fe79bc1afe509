package model

import "time"

// ExtractionMethod tags which producer generated a candidate; validation
// policy differs between the deterministic table walk and the heuristic
// collaborator path.
type ExtractionMethod string

const (
	MethodTable     ExtractionMethod = "table"
	MethodHeuristic ExtractionMethod = "heuristic"
)

// RateScheduleEntry is one step of a pre-announced staged escalation.
type RateScheduleEntry struct {
	Rate           float64    `json:"rate"`
	EffectiveStart time.Time  `json:"effective_start"`
	EffectiveEnd   *time.Time `json:"effective_end,omitempty"`
}

// CandidateChange is a proposed rate mutation before validation and
// commit. It is ephemeral; it is persisted only when routed to review.
// Either Rate+EffectiveDate or RateSchedule is set, never both.
type CandidateChange struct {
	HTSCode       string              `json:"hts_code"`
	ProgramCode   string              `json:"program_code,omitempty"`
	Program       Program             `json:"program,omitempty"`
	ListCode      string              `json:"list_code,omitempty"`
	Material      string              `json:"material,omitempty"`
	Country       string              `json:"country,omitempty"`
	Rate          *float64            `json:"rate,omitempty"`
	EffectiveDate *time.Time          `json:"effective_date,omitempty"`
	RateSchedule  []RateScheduleEntry `json:"rate_schedule,omitempty"`
	Role          RateRole            `json:"role"`
	Method        ExtractionMethod    `json:"method"`
	Confidence    float64             `json:"confidence"`

	// Evidence captured at extraction time.
	EvidenceQuote string `json:"evidence_quote,omitempty"`
	LineStart     int    `json:"line_start,omitempty"`
	LineEnd       int    `json:"line_end,omitempty"`
	ChunkIndex    int    `json:"chunk_index,omitempty"`
	DocumentHash  string `json:"document_hash,omitempty"`
}

// EffectiveStart returns the start the commit engine keys supersession
// off: the single effective date, or the first schedule entry's start.
func (c *CandidateChange) EffectiveStart() (time.Time, bool) {
	if len(c.RateSchedule) > 0 {
		return c.RateSchedule[0].EffectiveStart, true
	}
	if c.EffectiveDate != nil {
		return *c.EffectiveDate, true
	}
	return time.Time{}, false
}

// DedupKey identifies a candidate across the two extraction paths.
func (c *CandidateChange) DedupKey() string {
	date := ""
	if c.EffectiveDate != nil {
		date = c.EffectiveDate.Format("2006-01-02")
	} else if len(c.RateSchedule) > 0 {
		date = c.RateSchedule[0].EffectiveStart.Format("2006-01-02")
	}
	rate := ""
	if c.Rate != nil {
		rate = formatRate(*c.Rate)
	} else if len(c.RateSchedule) > 0 {
		rate = formatRate(c.RateSchedule[0].Rate)
	}
	return c.HTSCode + "|" + rate + "|" + date
}
