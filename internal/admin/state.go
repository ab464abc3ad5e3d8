package admin

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ahrav/go-annotator/internal/archive"
	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
)

// ExportState writes a snapshot of the coordination store under the archive
// directory and, for a remote archiver, uploads it. It returns the snapshot
// location.
func (a *Admin) ExportState(ctx context.Context, runID string) (string, error) {
	path, err := checkpoint.SaveSnapshot(ctx, a.deps.Store, runID, a.snapshotDir())
	if err != nil {
		return "", err
	}
	loc := path
	if _, local := a.deps.Archiver.(*archive.LocalArchive); !local {
		if loc, err = a.deps.Archiver.Archive(ctx, path, CategorySnapshots); err != nil {
			return path, fmt.Errorf("archive snapshot: %w", err)
		}
	}
	a.logger.Info("state exported", "path", path, "location", loc)
	a.writeAudit(ctx, "export_state", "", map[string]string{"path": path, "location": loc})
	return loc, nil
}

func (a *Admin) snapshotDir() string {
	return filepath.Join(a.archiveDir(), CategorySnapshots)
}

// ImportState stops every running worker and loads the snapshot at path.
// Without merge the store is cleared first, so the snapshot replaces the
// current state.
func (a *Admin) ImportState(ctx context.Context, path string, merge bool) (Result, error) {
	res := a.newResult("import_state", path)
	rec := &recorder{res: res}

	// Validate before touching anything.
	snap, err := checkpoint.LoadSnapshot(path)
	if err != nil {
		rec.fail(StepImport, err)
		return a.finish(ctx, rec)
	}
	if snap.Checkpoints == nil || snap.Progress == nil || snap.Workers == nil {
		rec.fail(StepImport, fmt.Errorf("invalid snapshot %s: missing required sections", path))
		return a.finish(ctx, rec)
	}

	a.stopAll(ctx, rec, domain.AllWorkerKeys(nil, nil), StepStopWorkers)

	if !merge {
		n, err := a.deps.Store.FactoryReset(ctx)
		if err != nil {
			rec.fail(StepFlushStore, err)
			return a.finish(ctx, rec)
		}
		rec.ok(StepFlushStore, fmt.Sprintf("%d keys deleted", n))
	}

	if err := a.deps.Store.Import(ctx, snap.State); err != nil {
		rec.fail(StepImport, err)
		return a.finish(ctx, rec)
	}
	rec.ok(StepImport, fmt.Sprintf("%d checkpoints, %d progress, %d workers",
		len(snap.Checkpoints), len(snap.Progress), len(snap.Workers)))
	return a.finish(ctx, rec)
}
