package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "source", "external_id", "content_hash", "url", "document_id",
		"run_id", "status", "revision_number", "parent_job_id", "reason",
		"retry_count", "max_retries", "claimed_by", "claimed_at",
		"completed_at", "error", "discovered_at", "updated_at",
	})
}

func TestPostgresStore_ClaimNext_UsesSkipLocked(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	worker := "worker-1"
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("fetching", "worker-1", "queued").
		WillReturnRows(jobRows().AddRow(
			"job-1", "federal_register", "2025-100", "hash-a", "https://fr.example",
			nil, nil, "fetching", 1, nil, "initial",
			0, 3, &worker, &now, nil, "", now, now,
		))

	j, err := s.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, model.JobFetching, j.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNext_EmptyQueue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("fetching", "worker-1", "queued").
		WillReturnError(pgx.ErrNoRows)

	j, err := s.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionJob_StaleFromStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingest_jobs SET status = \$1`).
		WithArgs("fetched", "job-1", "fetching").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.TransitionJob(context.Background(), "job-1", model.JobFetching, model.JobFetched)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in status fetching")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionJob_IllegalMoveSkipsDatabase(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.TransitionJob(context.Background(), "job-1", model.JobQueued, model.JobExtracted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDocumentByHash_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE source = \$1 AND content_hash = \$2`).
		WithArgs("ustr", "no-such-hash").
		WillReturnError(pgx.ErrNoRows)

	d, err := s.FindDocumentByHash(context.Background(), "ustr", "no-such-hash")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetJob_RetriesExhausted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`retry_count < max_retries`).
		WithArgs("queued", "job-1", "failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ResetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InRateTx_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.InRateTx(context.Background(), func(RateTx) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InRateTx_CommitsCloseAndInsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	end := time.Date(2025, 9, 27, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE s301_rates SET effective_end = \$1`).
		WithArgs(end, pgxmock.AnyArg(), "rate-old").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO s301_rates`).
		WithArgs(pgxmock.AnyArg(), "8541.10.00", "list_3", "", "", "9903.88.03",
			0.5, "impose", end, (*time.Time)(nil), pgxmock.AnyArg(), (*string)(nil), "doc-2", (*string)(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	oldID := "rate-old"
	err := s.InRateTx(context.Background(), func(tx RateTx) error {
		if err := tx.CloseRow(context.Background(), model.ProgramSection301, oldID, end, "rate-new"); err != nil {
			return err
		}
		return tx.InsertRow(context.Background(), &model.TariffRate{
			Program: model.ProgramSection301, HTSPrefix: "8541.10.00", ListCode: "list_3",
			ProgramCode: "9903.88.03", DutyRate: 0.5, Role: model.RoleImpose,
			EffectiveStart: end, SupersedesID: &oldID, SourceDocumentID: "doc-2",
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
