package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

func TestExport_WritesManifest(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSQLite(filepath.Join(dir, "export.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	run, err := s.CreateRun(ctx, "federal_register")
	require.NoError(t, err)

	doc := &model.Document{
		Source: "federal_register", ExternalID: "2018-20610",
		ContentHash: "hash-a", CanonicalText: "secret body", Status: model.DocCommitted,
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	job, _, err := s.CreateOrGetJob(ctx, &model.IngestJob{
		Source: "federal_register", ExternalID: "2018-20610", RunID: &run.ID,
	})
	require.NoError(t, err)
	require.NoError(t, s.AttachDocument(ctx, job.ID, doc.ID, doc.ContentHash))

	err = s.InRateTx(ctx, func(tx store.RateTx) error {
		return tx.InsertRunChange(ctx, &model.RunChange{
			RunID: run.ID, JobID: job.ID, Program: model.ProgramSection301,
			RateID: "rate-1", Action: model.AuditInsert, HTSCode: "8544.42.90.90",
			DutyRate: 0.25, EffectiveStart: time.Date(2018, 7, 6, 0, 0, 0, 0, time.UTC),
		})
	})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, run.ID, model.RunComplete))

	exportDir := filepath.Join(dir, "exports")
	path, err := New(s, exportDir).Export(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exportDir, "run-"+run.ID+".json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, run.ID, m.Run.ID)
	assert.Equal(t, model.RunComplete, m.Run.Status)
	require.Len(t, m.Documents, 1)
	assert.Empty(t, m.Documents[0].CanonicalText, "manifest carries provenance, not body text")
	require.Len(t, m.Changes, 1)
	assert.Equal(t, "8544.42.90.90", m.Changes[0].HTSCode)
	assert.False(t, m.ExportedAt.IsZero())

	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestExport_UnknownRun(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSQLite(filepath.Join(dir, "export.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Migrate(context.Background()))

	_, err = New(s, dir).Export(context.Background(), "no-such-run")
	assert.Error(t, err)
}
