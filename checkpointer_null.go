package tilth

import (
	"context"
)

// NullCheckpointer discards checkpoints. Used when persistence is not
// configured; such runs cannot be resumed.
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveCheckpoint(ctx context.Context, state *RunState) error {
	return nil
}

func (c *NullCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*RunState, error) {
	return nil, nil
}

func (c *NullCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	return nil
}

func (c *NullCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	return nil, nil
}
