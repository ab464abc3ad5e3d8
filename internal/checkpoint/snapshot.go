package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SnapshotTimeLayout is the timestamp layout in snapshot file names.
const SnapshotTimeLayout = "20060102_150405"

// Snapshot is a point-in-time copy of the coordination store.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	State
}

// SnapshotFileName returns "checkpoint_snapshot_{run}_{YYYYmmdd_HHMMSS}.json".
func SnapshotFileName(runID string, at time.Time) string {
	return fmt.Sprintf("checkpoint_snapshot_%s_%s.json", runID, at.Format(SnapshotTimeLayout))
}

// SaveSnapshot exports store to dir and returns the file path. An empty runID
// gets a generated one.
func SaveSnapshot(ctx context.Context, store Store, runID, dir string) (string, error) {
	if runID == "" {
		runID = uuid.NewString()[:8]
	}
	state, err := store.Export(ctx)
	if err != nil {
		return "", fmt.Errorf("export checkpoint state: %w", err)
	}

	snap := Snapshot{RunID: runID, Timestamp: time.Now().UTC(), State: state}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, SnapshotFileName(runID, snap.Timestamp))

	// Write then rename so readers never see a partial snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize snapshot: %w", err)
	}
	return path, nil
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied snapshot path
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// RestoreSnapshot merges the snapshot at path into store.
func RestoreSnapshot(ctx context.Context, store Store, path string) (Snapshot, error) {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := store.Import(ctx, snap.State); err != nil {
		return snap, fmt.Errorf("import snapshot %s: %w", snap.RunID, err)
	}
	return snap, nil
}
