package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

const sqRateCols = `id, hts_prefix, list_code, material, country, program_code, duty_rate, role, effective_start, effective_end, supersedes_id, superseded_by_id, source_document_id, evidence_id, created_at`

func (s *SQLiteStore) InRateTx(ctx context.Context, fn func(RateTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin rate tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqRateTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit rate tx")
}

type sqRateTx struct {
	tx *sql.Tx
}

func (t *sqRateTx) OpenRows(ctx context.Context, program model.Program, key RateKey) ([]model.TariffRate, error) {
	spec, ok := families[program]
	if !ok {
		return nil, eris.Errorf("unknown program family: %s", program)
	}

	where := make([]string, 0, len(spec.keyCols)+1)
	args := make([]any, 0, len(spec.keyCols))
	for _, col := range spec.keyCols {
		where = append(where, col+" = ?")
		args = append(args, key.keyValue(col))
	}
	where = append(where, "effective_end IS NULL")

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqRateCols+` FROM `+spec.table+` WHERE `+strings.Join(where, " AND ")+` ORDER BY effective_start`,
		args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: open rows %s", spec.table)
	}
	defer rows.Close()

	var out []model.TariffRate
	for rows.Next() {
		r, err := scanRate(rows, program)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rate")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: open rows iterate")
}

func (t *sqRateTx) CloseRow(ctx context.Context, program model.Program, rowID string, end time.Time, supersededByID string) error {
	table := TableFor(program)
	if table == "" {
		return eris.Errorf("unknown program family: %s", program)
	}
	var byID *string
	if supersededByID != "" {
		byID = &supersededByID
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE `+table+` SET effective_end = ?, superseded_by_id = ? WHERE id = ? AND effective_end IS NULL`,
		end, byID, rowID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close rate row %s", rowID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: close row rows affected")
	}
	if n == 0 {
		return eris.Errorf("rate row %s: not open in %s", rowID, table)
	}
	return nil
}

func (t *sqRateTx) InsertRow(ctx context.Context, r *model.TariffRate) error {
	table := TableFor(r.Program)
	if table == "" {
		return eris.Errorf("unknown program family: %s", r.Program)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO `+table+` (`+sqRateCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.HTSPrefix, r.ListCode, r.Material, r.Country, r.ProgramCode,
		r.DutyRate, string(r.Role), r.EffectiveStart, r.EffectiveEnd,
		r.SupersedesID, r.SupersededByID, r.SourceDocumentID, r.EvidenceID, r.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert rate row %s", table)
}

func (t *sqRateTx) InsertEvidence(ctx context.Context, e *model.EvidencePacket) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO evidence_packets (id, document_id, document_hash, quote, line_start, line_end, proves_hts_code, proves_program_code, proves_rate, proves_effective_date, proves_program, verified, quote_verified, verified_by, method, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.DocumentHash, e.Quote, e.LineStart, e.LineEnd,
		e.ProvesHTSCode, e.ProvesProgramCode, e.ProvesRate, e.ProvesDate,
		string(e.ProvesProgram), e.Verified, e.QuoteVerified, e.VerifiedBy,
		e.Method, e.Confidence, e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert evidence packet")
}

func (t *sqRateTx) InsertAudit(ctx context.Context, e *model.AuditLogEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (table_name, record_id, action, old_values, new_values, document_id, evidence_id, job_id, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TableName, e.RecordID, string(e.Action), nullableJSON(e.OldValues), nullableJSON(e.NewValues),
		e.DocumentID, e.EvidenceID, e.JobID, e.RunID, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert audit entry")
}

func (t *sqRateTx) InsertRunChange(ctx context.Context, rc *model.RunChange) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO run_changes (run_id, job_id, program, rate_id, action, hts_code, duty_rate, effective_start, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rc.RunID, rc.JobID, string(rc.Program), rc.RateID, string(rc.Action),
		rc.HTSCode, rc.DutyRate, rc.EffectiveStart, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert run change")
}

func (s *SQLiteStore) ListOpenRates(ctx context.Context, program model.Program) ([]model.TariffRate, error) {
	table := TableFor(program)
	if table == "" {
		return nil, eris.Errorf("unknown program family: %s", program)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqRateCols+` FROM `+table+` WHERE effective_end IS NULL ORDER BY hts_prefix`)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list open rates %s", table)
	}
	defer rows.Close()

	var out []model.TariffRate
	for rows.Next() {
		r, err := scanRate(rows, program)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan open rate")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list open rates iterate")
}

// nullableJSON stores empty json.RawMessage snapshots as NULL so the
// audit columns stay symmetric with the Postgres JSONB behavior.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
