package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

const pgRateCols = `id, hts_prefix, list_code, material, country, program_code, duty_rate, role, effective_start, effective_end, supersedes_id, superseded_by_id, source_document_id, evidence_id, created_at`

// InRateTx runs fn inside one database transaction. Every rate-table
// write of a single candidate (close old row, insert new row, evidence,
// audit, run change) lands or rolls back together.
func (s *PostgresStore) InRateTx(ctx context.Context, fn func(RateTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin rate tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgRateTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit rate tx")
}

type pgRateTx struct {
	tx pgx.Tx
}

func (t *pgRateTx) OpenRows(ctx context.Context, program model.Program, key RateKey) ([]model.TariffRate, error) {
	spec, ok := families[program]
	if !ok {
		return nil, eris.Errorf("unknown program family: %s", program)
	}

	where := make([]string, 0, len(spec.keyCols)+1)
	args := make([]any, 0, len(spec.keyCols))
	for i, col := range spec.keyCols {
		where = append(where, col+" = $"+strconv.Itoa(i+1))
		args = append(args, key.keyValue(col))
	}
	where = append(where, "effective_end IS NULL")

	rows, err := t.tx.Query(ctx,
		`SELECT `+pgRateCols+` FROM `+spec.table+` WHERE `+strings.Join(where, " AND ")+` ORDER BY effective_start`,
		args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: open rows %s", spec.table)
	}
	defer rows.Close()

	var out []model.TariffRate
	for rows.Next() {
		r, err := scanRate(rows, program)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan rate")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: open rows iterate")
}

// CloseRow sets effective_end on an open row exactly once; a row that is
// already closed is left alone and reported as an error.
func (t *pgRateTx) CloseRow(ctx context.Context, program model.Program, rowID string, end time.Time, supersededByID string) error {
	table := TableFor(program)
	if table == "" {
		return eris.Errorf("unknown program family: %s", program)
	}
	var byID *string
	if supersededByID != "" {
		byID = &supersededByID
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+table+` SET effective_end = $1, superseded_by_id = $2 WHERE id = $3 AND effective_end IS NULL`,
		end, byID, rowID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close rate row %s", rowID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("rate row %s: not open in %s", rowID, table)
	}
	return nil
}

func (t *pgRateTx) InsertRow(ctx context.Context, r *model.TariffRate) error {
	table := TableFor(r.Program)
	if table == "" {
		return eris.Errorf("unknown program family: %s", r.Program)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+table+` (`+pgRateCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.HTSPrefix, r.ListCode, r.Material, r.Country, r.ProgramCode,
		r.DutyRate, string(r.Role), r.EffectiveStart, r.EffectiveEnd,
		r.SupersedesID, r.SupersededByID, r.SourceDocumentID, r.EvidenceID, r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert rate row %s", table)
}

func (t *pgRateTx) InsertEvidence(ctx context.Context, e *model.EvidencePacket) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := t.tx.Exec(ctx,
		`INSERT INTO evidence_packets (id, document_id, document_hash, quote, line_start, line_end, proves_hts_code, proves_program_code, proves_rate, proves_effective_date, proves_program, verified, quote_verified, verified_by, method, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.DocumentID, e.DocumentHash, e.Quote, e.LineStart, e.LineEnd,
		e.ProvesHTSCode, e.ProvesProgramCode, e.ProvesRate, e.ProvesDate,
		string(e.ProvesProgram), e.Verified, e.QuoteVerified, e.VerifiedBy,
		e.Method, e.Confidence, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert evidence packet")
}

func (t *pgRateTx) InsertAudit(ctx context.Context, e *model.AuditLogEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_log (table_name, record_id, action, old_values, new_values, document_id, evidence_id, job_id, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.TableName, e.RecordID, string(e.Action), e.OldValues, e.NewValues,
		e.DocumentID, e.EvidenceID, e.JobID, e.RunID, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: insert audit entry")
}

func (t *pgRateTx) InsertRunChange(ctx context.Context, rc *model.RunChange) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO run_changes (run_id, job_id, program, rate_id, action, hts_code, duty_rate, effective_start, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rc.RunID, rc.JobID, string(rc.Program), rc.RateID, string(rc.Action),
		rc.HTSCode, rc.DutyRate, rc.EffectiveStart, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: insert run change")
}

func (s *PostgresStore) ListOpenRates(ctx context.Context, program model.Program) ([]model.TariffRate, error) {
	table := TableFor(program)
	if table == "" {
		return nil, eris.Errorf("unknown program family: %s", program)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRateCols+` FROM `+table+` WHERE effective_end IS NULL ORDER BY hts_prefix`)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list open rates %s", table)
	}
	defer rows.Close()

	var out []model.TariffRate
	for rows.Next() {
		r, err := scanRate(rows, program)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan open rate")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list open rates iterate")
}

func scanRate(row scannable, program model.Program) (*model.TariffRate, error) {
	var r model.TariffRate
	err := row.Scan(&r.ID, &r.HTSPrefix, &r.ListCode, &r.Material, &r.Country,
		&r.ProgramCode, &r.DutyRate, &r.Role, &r.EffectiveStart, &r.EffectiveEnd,
		&r.SupersedesID, &r.SupersededByID, &r.SourceDocumentID, &r.EvidenceID,
		&r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Program = program
	return &r, nil
}
