// Package export writes per-run JSON manifests for archival outside the
// live store. Manifests are written atomically: a partial file is never
// visible at the final path.
package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Manifest is the archival record of one run: the run itself, the
// documents it touched, and every rate change it committed.
type Manifest struct {
	Run        model.Run         `json:"run"`
	Documents  []model.Document  `json:"documents"`
	Changes    []model.RunChange `json:"changes"`
	ExportedAt time.Time         `json:"exported_at"`
}

// Exporter writes manifests into a directory.
type Exporter struct {
	store store.Store
	dir   string
}

// New creates an Exporter writing into dir.
func New(s store.Store, dir string) *Exporter {
	return &Exporter{store: s, dir: dir}
}

// Export writes the manifest for one run and returns its path.
func (e *Exporter) Export(ctx context.Context, runID string) (string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	docs, err := e.store.ListRunDocuments(ctx, runID)
	if err != nil {
		return "", err
	}
	// Raw bytes stay in the store; the manifest carries provenance only.
	for i := range docs {
		docs[i].CanonicalText = ""
	}

	changes, err := e.store.ListRunChanges(ctx, runID)
	if err != nil {
		return "", err
	}

	m := Manifest{
		Run:        *run,
		Documents:  docs,
		Changes:    changes,
		ExportedAt: time.Now().UTC(),
	}

	path := filepath.Join(e.dir, "run-"+runID+".json")
	if err := writeAtomic(path, m); err != nil {
		return "", err
	}

	zap.L().Info("run manifest exported",
		zap.String("run_id", runID),
		zap.String("path", path),
		zap.Int("documents", len(docs)),
		zap.Int("changes", len(changes)),
	)
	return path, nil
}

// writeAtomic marshals v to a temp file in the target directory and
// renames it into place. Rename within one directory is atomic on the
// filesystems we care about.
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "export: create directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "export: create temp file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "export: encode manifest")
	}
	if err := tmp.Sync(); err != nil {
		return eris.Wrap(err, "export: sync manifest")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "export: close manifest")
	}
	return eris.Wrap(os.Rename(tmp.Name(), path), "export: rename manifest")
}
