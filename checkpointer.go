package tilth

import (
	"context"
)

// Checkpointer persists run state durably, keyed by run identifier. Every
// terminal step and agent transition triggers a save; each save fully
// replaces the previous snapshot. Save and load failures are fatal to the
// run because resume correctness cannot be guaranteed without them.
type Checkpointer interface {
	// SaveCheckpoint durably records the run state
	SaveCheckpoint(ctx context.Context, state *RunState) error

	// LoadCheckpoint loads the state for a run; returns nil when the run
	// is unknown
	LoadCheckpoint(ctx context.Context, runID string) (*RunState, error)

	// DeleteCheckpoint removes all state for a run
	DeleteCheckpoint(ctx context.Context, runID string) error

	// ListRuns returns summaries of all checkpointed runs
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}
