// Package commit translates one approved candidate into append-only
// temporal rows plus the audit trail. All writes for a candidate happen
// in one transaction; a failure aborts that candidate only, never
// siblings committed earlier in the job.
package commit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Outcome reports what one commit did.
type Outcome struct {
	Action       model.AuditAction
	RateIDs      []string
	SupersededID string
}

// Engine owns the supersession logic shared by every program family.
type Engine struct {
	store store.Store
	kinds []programKind
}

// NewEngine creates a commit engine over the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{
		store: s,
		kinds: []programKind{s301Kind{}, s232Kind{}, ieepaKind{}},
	}
}

// programKind captures what varies between program families: which
// candidates belong to it and which dimensions key its rows. The
// temporal supersession itself is identical and lives in the engine.
type programKind interface {
	Detect(c *model.CandidateChange) bool
	Key(c *model.CandidateChange) store.RateKey
}

type s301Kind struct{}

func (s301Kind) Detect(c *model.CandidateChange) bool { return c.Program == model.ProgramSection301 }
func (s301Kind) Key(c *model.CandidateChange) store.RateKey {
	return store.RateKey{HTSPrefix: model.HTSDigits(c.HTSCode), ListCode: c.ListCode}
}

type s232Kind struct{}

func (s232Kind) Detect(c *model.CandidateChange) bool { return c.Program == model.ProgramSection232 }
func (s232Kind) Key(c *model.CandidateChange) store.RateKey {
	return store.RateKey{HTSPrefix: model.HTSDigits(c.HTSCode), Material: c.Material, Country: c.Country}
}

type ieepaKind struct{}

func (ieepaKind) Detect(c *model.CandidateChange) bool { return c.Program == model.ProgramIEEPA }
func (ieepaKind) Key(c *model.CandidateChange) store.RateKey {
	return store.RateKey{HTSPrefix: model.HTSDigits(c.HTSCode), Country: c.Country}
}

func (e *Engine) kindFor(c *model.CandidateChange) (programKind, error) {
	for _, k := range e.kinds {
		if k.Detect(c) {
			return k, nil
		}
	}
	return nil, eris.Errorf("commit: no program family for candidate %s (program %q)", c.HTSCode, c.Program)
}

// Commit writes one candidate: evidence packet, closed predecessors, new
// rows, audit entries, and run-change rows, atomically.
func (e *Engine) Commit(ctx context.Context, doc *model.Document, job *model.IngestJob, c *model.CandidateChange, ev *model.EvidencePacket) (*Outcome, error) {
	kind, err := e.kindFor(c)
	if err != nil {
		return nil, err
	}

	entries := scheduleOf(c)
	if len(entries) == 0 {
		return nil, eris.Errorf("commit: candidate %s has no effective date", c.HTSCode)
	}

	var out Outcome
	err = e.store.InRateTx(ctx, func(tx store.RateTx) error {
		if err := tx.InsertEvidence(ctx, ev); err != nil {
			return err
		}
		return e.commitEntries(ctx, tx, kind, doc, job, c, ev, entries, &out)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("rate change committed",
		zap.String("hts_code", c.HTSCode),
		zap.String("program", string(c.Program)),
		zap.String("action", string(out.Action)),
		zap.Int("rows", len(out.RateIDs)),
	)
	return &out, nil
}

// commitEntries runs the generic close-and-insert supersession: close
// every open row for the key whose start is not after the first entry's
// start, then insert the entries chained in schedule order.
func (e *Engine) commitEntries(ctx context.Context, tx store.RateTx, kind programKind, doc *model.Document, job *model.IngestJob, c *model.CandidateChange, ev *model.EvidencePacket, entries []model.RateScheduleEntry, out *Outcome) error {
	key := kind.Key(c)
	firstStart := entries[0].EffectiveStart

	open, err := tx.OpenRows(ctx, c.Program, key)
	if err != nil {
		return err
	}

	var toClose []model.TariffRate
	for _, row := range open {
		if !row.EffectiveStart.After(firstStart) {
			toClose = append(toClose, row)
		}
	}

	newIDs := make([]string, len(entries))
	for i := range newIDs {
		newIDs[i] = uuid.New().String()
	}

	out.Action = model.AuditInsert
	var supersedes *string
	for _, row := range toClose {
		if err := tx.CloseRow(ctx, c.Program, row.ID, firstStart, newIDs[0]); err != nil {
			return err
		}
		out.Action = model.AuditSupersede
		out.SupersededID = row.ID
		id := row.ID
		supersedes = &id
	}

	var oldSnapshot json.RawMessage
	if len(toClose) > 0 {
		oldSnapshot, _ = json.Marshal(toClose[len(toClose)-1])
	}

	for i, entry := range entries {
		row := model.TariffRate{
			ID:               newIDs[i],
			Program:          c.Program,
			HTSPrefix:        key.HTSPrefix,
			ListCode:         key.ListCode,
			Material:         key.Material,
			Country:          key.Country,
			ProgramCode:      c.ProgramCode,
			DutyRate:         entry.Rate,
			Role:             c.Role,
			EffectiveStart:   entry.EffectiveStart,
			EffectiveEnd:     entry.EffectiveEnd,
			SupersedesID:     supersedes,
			SourceDocumentID: doc.ID,
			EvidenceID:       &ev.ID,
		}
		if i < len(entries)-1 {
			// Chain the schedule: each step is superseded by the next.
			row.SupersededByID = &newIDs[i+1]
			if row.EffectiveEnd == nil {
				row.EffectiveEnd = &entries[i+1].EffectiveStart
			}
		}
		if err := tx.InsertRow(ctx, &row); err != nil {
			return err
		}
		out.RateIDs = append(out.RateIDs, row.ID)

		action := model.AuditInsert
		var old json.RawMessage
		if i == 0 {
			action = out.Action
			old = oldSnapshot
		}
		newSnapshot, _ := json.Marshal(row)
		audit := model.AuditLogEntry{
			TableName:  store.TableFor(c.Program),
			RecordID:   row.ID,
			Action:     action,
			OldValues:  old,
			NewValues:  newSnapshot,
			DocumentID: &doc.ID,
			EvidenceID: &ev.ID,
			JobID:      &job.ID,
			RunID:      job.RunID,
		}
		if err := tx.InsertAudit(ctx, &audit); err != nil {
			return err
		}

		if job.RunID != nil {
			rc := model.RunChange{
				RunID:          *job.RunID,
				JobID:          job.ID,
				Program:        c.Program,
				RateID:         row.ID,
				Action:         action,
				HTSCode:        c.HTSCode,
				DutyRate:       entry.Rate,
				EffectiveStart: entry.EffectiveStart,
			}
			if err := tx.InsertRunChange(ctx, &rc); err != nil {
				return err
			}
		}

		id := row.ID
		supersedes = &id
	}
	return nil
}

// scheduleOf normalizes a candidate to a list of schedule entries. A
// single-rate candidate becomes a one-entry schedule.
func scheduleOf(c *model.CandidateChange) []model.RateScheduleEntry {
	if len(c.RateSchedule) > 0 {
		return c.RateSchedule
	}
	if c.Rate != nil && c.EffectiveDate != nil {
		return []model.RateScheduleEntry{{Rate: *c.Rate, EffectiveStart: *c.EffectiveDate}}
	}
	return nil
}

// RateAsOf answers "what was the duty on this code on this date" from
// a set of temporal rows, ignoring rows whose window does not cover the
// date. Used by status tooling and tests; lookups in bulk should query
// the store directly.
func RateAsOf(rows []model.TariffRate, at time.Time) *model.TariffRate {
	var best *model.TariffRate
	for i := range rows {
		r := &rows[i]
		if r.EffectiveStart.After(at) {
			continue
		}
		if r.EffectiveEnd != nil && !r.EffectiveEnd.After(at) {
			continue
		}
		if best == nil || r.EffectiveStart.After(best.EffectiveStart) {
			best = r
		}
	}
	return best
}
