package model

import "time"

// Program identifies a tariff program family. Each family has its own
// rate table sharing the same temporal shape.
type Program string

const (
	ProgramSection301 Program = "section_301"
	ProgramSection232 Program = "section_232"
	ProgramIEEPA      Program = "ieepa"
)

// RateRole distinguishes rows that impose a duty from rows that exclude
// an article from one.
type RateRole string

const (
	RoleImpose  RateRole = "impose"
	RoleExclude RateRole = "exclude"
)

// TariffRate is one temporal row in a program-family table. Rows are
// append-only; effective_end is set exactly once, when the row is
// superseded. At most one row per key-dimension tuple may have a nil
// effective_end at any time.
type TariffRate struct {
	ID               string     `json:"id"`
	Program          Program    `json:"program"`
	HTSPrefix        string     `json:"hts_prefix"`
	ListCode         string     `json:"list_code,omitempty"` // Section 301 list discriminator
	Material         string     `json:"material,omitempty"`  // Section 232 discriminator
	Country          string     `json:"country,omitempty"`
	ProgramCode      string     `json:"program_code,omitempty"`
	DutyRate         float64    `json:"duty_rate"`
	Role             RateRole   `json:"role"`
	EffectiveStart   time.Time  `json:"effective_start"`
	EffectiveEnd     *time.Time `json:"effective_end,omitempty"`
	SupersedesID     *string    `json:"supersedes_id,omitempty"`
	SupersededByID   *string    `json:"superseded_by_id,omitempty"`
	SourceDocumentID string     `json:"source_document_id"`
	EvidenceID       *string    `json:"evidence_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Open reports whether the row is the currently active one for its key.
func (r *TariffRate) Open() bool {
	return r.EffectiveEnd == nil
}
