package tilth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIDPrefixes(t *testing.T) {
	runID := NewRunID()
	agentID := NewAgentID()
	assert.Contains(t, runID, "run_")
	assert.Contains(t, agentID, "agent_")
	assert.NotEqual(t, NewRunID(), runID)
}

func TestFileCheckpointerRoundTrip(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	state := &RunState{
		RunID:        "run_1",
		WorkflowName: "release",
		Mode:         ModeMapReduce,
		Status:       RunRunning,
		Phase:        PhaseMap,
		AgentResults: map[int]*AgentResult{
			0: {AgentID: "agent_1", ItemIndex: 0, ItemID: "a", Success: true, Attempts: 2},
		},
		Counters:  RunCounters{Total: 1, Successful: 1},
		Breaker:   BreakerSnapshot{State: CircuitClosed},
		Variables: map[string]any{"token": "tok-123"},
		StartTime: time.Now(),
	}
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, state))

	loaded, err := checkpointer.LoadCheckpoint(ctx, "run_1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "release", loaded.WorkflowName)
	assert.Equal(t, PhaseMap, loaded.Phase)
	require.Contains(t, loaded.AgentResults, 0)
	assert.Equal(t, 2, loaded.AgentResults[0].Attempts)
	assert.True(t, loaded.AgentResults[0].Success)
	assert.Equal(t, "tok-123", loaded.Variables["token"])
	assert.Equal(t, 1, loaded.Counters.Successful)

	// Saves replace the previous snapshot wholesale.
	state.Status = RunCompleted
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, state))
	loaded, err = checkpointer.LoadCheckpoint(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, loaded.Status)
}

func TestFileCheckpointerUnknownRun(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	state, err := checkpointer.LoadCheckpoint(context.Background(), "run_missing")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestFileCheckpointerListAndDelete(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	older := &RunState{RunID: "run_old", WorkflowName: "a", Status: RunCompleted, StartTime: time.Now().Add(-time.Hour)}
	newer := &RunState{RunID: "run_new", WorkflowName: "b", Status: RunFailed, StartTime: time.Now()}
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, older))
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, newer))

	summaries, err := checkpointer.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Newest first.
	assert.Equal(t, "run_new", summaries[0].RunID)
	assert.Equal(t, RunFailed, summaries[0].Status)
	assert.Equal(t, "run_old", summaries[1].RunID)

	require.NoError(t, checkpointer.DeleteCheckpoint(ctx, "run_new"))
	summaries, err = checkpointer.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "run_old", summaries[0].RunID)
}
