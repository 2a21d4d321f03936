package tilth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileCheckpointer persists run state as JSON files on disk, one directory
// per run. Writes go through a temp file and rename so a crash mid-write
// never leaves a truncated snapshot behind.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a file-based checkpointer rooted at dataDir.
// An empty dataDir defaults to ~/.tilth/runs.
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".tilth", "runs")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) statePath(runID string) string {
	return filepath.Join(c.dataDir, runID, "state.json")
}

func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, state *RunState) error {
	runDir := filepath.Join(c.dataDir, state.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	tmpPath := filepath.Join(runDir, "state.json.tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, c.statePath(state.RunID)); err != nil {
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}
	return nil
}

func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*RunState, error) {
	data, err := os.ReadFile(c.statePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(c.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

func (c *FileCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var summaries []*RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || state == nil {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, state.summary())
	}

	// Newest first
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}
