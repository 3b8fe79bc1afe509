// Package store persists documents, jobs, evidence, and the temporally
// versioned rate tables. Two backends implement the same interface:
// Postgres for production (atomic claim-next via FOR UPDATE SKIP LOCKED)
// and SQLite for tests and single-worker deployments.
package store

import (
	"context"
	"time"

	"github.com/sells-group/tariff-sync/internal/model"
)

// Store defines the persistence surface of the ingest pipeline.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, d *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	FindDocumentByHash(ctx context.Context, source, contentHash string) (*model.Document, error)
	SetDocumentContent(ctx context.Context, id string, raw []byte, contentHash, contentType string) error
	GetDocumentRaw(ctx context.Context, id string) ([]byte, error)
	SetCanonicalText(ctx context.Context, id, text string) error
	AdvanceDocument(ctx context.Context, id string, to model.DocumentStatus) error
	ListRunDocuments(ctx context.Context, runID string) ([]model.Document, error)

	// Jobs
	CreateOrGetJob(ctx context.Context, j *model.IngestJob) (*model.IngestJob, bool, error)
	ClaimNext(ctx context.Context, workerID string) (*model.IngestJob, error)
	GetJob(ctx context.Context, id string) (*model.IngestJob, error)
	LatestJobRevision(ctx context.Context, source, externalID string) (*model.IngestJob, error)
	FindProcessedJobByHash(ctx context.Context, contentHash, excludeJobID string) (*model.IngestJob, error)
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus) error
	AttachDocument(ctx context.Context, jobID, documentID, contentHash string) error
	FinishJob(ctx context.Context, id string, to model.JobStatus, errMsg string) error
	ResetJob(ctx context.Context, id string) error
	CountJobs(ctx context.Context) (map[model.JobStatus]int, error)
	ListStaleClaims(ctx context.Context, olderThan time.Duration) ([]model.IngestJob, error)
	RequeueStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// Review queue
	InsertReviewItem(ctx context.Context, r *model.ReviewItem) error
	ListReviewItems(ctx context.Context, limit int) ([]model.ReviewItem, error)

	// Runs
	CreateRun(ctx context.Context, source string) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	CompleteRun(ctx context.Context, id string, status model.RunStatus) error
	BumpRunCounters(ctx context.Context, id string, discovered, processed, committed int) error
	ListRunChanges(ctx context.Context, runID string) ([]model.RunChange, error)

	// Audit
	ListAuditForRecord(ctx context.Context, recordID string) ([]model.AuditLogEntry, error)

	// Rates. All commit-engine writes happen inside one transaction per
	// candidate via InRateTx.
	InRateTx(ctx context.Context, fn func(RateTx) error) error
	ListOpenRates(ctx context.Context, program model.Program) ([]model.TariffRate, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Driver() string
	Close() error
}

// RateTx is the transactional surface the commit engine writes through.
// Implementations guarantee that all calls between InRateTx entry and
// return commit or roll back together.
type RateTx interface {
	OpenRows(ctx context.Context, program model.Program, key RateKey) ([]model.TariffRate, error)
	CloseRow(ctx context.Context, program model.Program, rowID string, end time.Time, supersededByID string) error
	InsertRow(ctx context.Context, r *model.TariffRate) error
	InsertEvidence(ctx context.Context, e *model.EvidencePacket) error
	InsertAudit(ctx context.Context, e *model.AuditLogEntry) error
	InsertRunChange(ctx context.Context, rc *model.RunChange) error
}

// RateKey holds the key dimensions of a rate row. Which fields
// participate in matching depends on the program family.
type RateKey struct {
	HTSPrefix string
	ListCode  string
	Material  string
	Country   string
}

// KeyOf extracts the key dimensions from a rate row.
func KeyOf(r *model.TariffRate) RateKey {
	return RateKey{
		HTSPrefix: r.HTSPrefix,
		ListCode:  r.ListCode,
		Material:  r.Material,
		Country:   r.Country,
	}
}

// familySpec maps a program family to its table and key columns.
type familySpec struct {
	table   string
	keyCols []string
}

// families: one near-identical table per program family; the shared
// supersession routine is parameterized by this spec instead of being
// duplicated per table.
var families = map[model.Program]familySpec{
	model.ProgramSection301: {table: "s301_rates", keyCols: []string{"hts_prefix", "list_code"}},
	model.ProgramSection232: {table: "s232_rates", keyCols: []string{"hts_prefix", "material", "country"}},
	model.ProgramIEEPA:      {table: "ieepa_rates", keyCols: []string{"hts_prefix", "country"}},
}

// TableFor returns the rate table name for a program family, or "" for
// an unknown program.
func TableFor(p model.Program) string {
	return families[p].table
}

// keyValue maps a key column name to its value in the key.
func (k RateKey) keyValue(col string) string {
	switch col {
	case "hts_prefix":
		return k.HTSPrefix
	case "list_code":
		return k.ListCode
	case "material":
		return k.Material
	case "country":
		return k.Country
	}
	return ""
}
