package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotPath returns the snapshot file for a step index within a run dir.
func SnapshotPath(baseDir string, stepIndex int) string {
	return filepath.Join(baseDir, "snapshots", fmt.Sprintf("step-%04d.json", stepIndex))
}

// SaveSnapshot persists RunState as JSON. The write goes through a temp
// file and rename so a crash mid-write never leaves a truncated snapshot
// that a later resume would trust.
func SaveSnapshot(state *RunState, path string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a RunState from a JSON snapshot file.
func LoadSnapshot(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", filepath.Base(path), err)
	}
	return &state, nil
}
