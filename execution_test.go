package tilth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenling-ai/tilth/commands"
)

func newTestExecution(t *testing.T, wf *Workflow, fake *commands.FakeExecutor, opts ExecutionOptions) *Execution {
	t.Helper()
	opts.Workflow = wf
	opts.ShellExecutor = fake
	opts.AgentExecutor = fake
	if opts.Provisioner == nil {
		opts.Provisioner = &SharedDirProvisioner{Path: t.TempDir()}
	}
	execution, err := NewExecution(opts)
	require.NoError(t, err)
	return execution
}

func mapReduceDoc(inputPath, extra string) string {
	return fmt.Sprintf(`
name: fanout
expressions: expr
map:
  input: %s
  max_parallel: 1
  steps:
    - id: process
      shell: "process ${item.id}"
reduce:
  - id: report
    shell: "report ${map.successful}"
%s`, inputPath, extra)
}

func TestSequentialExecution(t *testing.T) {
	wf, err := LoadString(`
name: release
expressions: expr
steps:
  - id: version
    shell: "git describe"
    capture_output: version
  - id: publish
    shell: "publish ${version}"
`)
	require.NoError(t, err)

	fake := commands.NewFakeExecutor(commands.Succeed("v2.0.1\n"), commands.Succeed("published"))
	execution := newTestExecution(t, wf, fake, ExecutionOptions{})

	require.NoError(t, execution.Run(context.Background()))

	state := execution.State()
	assert.Equal(t, RunCompleted, state.Status)
	require.Len(t, state.StepResults, 2)
	assert.True(t, state.StepResults["version"].Success)
	assert.Equal(t, "v2.0.1", state.Variables["version"])

	// The captured variable flowed into the second command.
	require.Len(t, fake.Calls, 2)
	assert.Equal(t, "publish v2.0.1", fake.Calls[1].Text)
}

func TestSequentialFailureRecordsState(t *testing.T) {
	wf, err := LoadString(`
name: release
steps:
  - {id: build, shell: "make"}
  - {id: publish, shell: "publish"}
`)
	require.NoError(t, err)

	fake := commands.NewFakeExecutor(commands.Fail(2, "compile error"))
	execution := newTestExecution(t, wf, fake, ExecutionOptions{})

	err = execution.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "build" failed`)

	state := execution.State()
	assert.Equal(t, RunFailed, state.Status)
	assert.NotEmpty(t, state.Error)
	assert.Equal(t, StepFailed, state.StepResults["build"].Status)

	// The second step never ran.
	assert.Equal(t, 1, fake.CallCount())
	assert.Nil(t, state.StepResults["publish"])
}

func TestSequentialResumeSkipsCompletedSteps(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	wf, err := LoadString(`
name: release
steps:
  - {id: build, shell: "make"}
  - {id: publish, shell: "publish"}
`)
	require.NoError(t, err)

	fake1 := commands.NewFakeExecutor(commands.Succeed("built"), commands.Fail(1, "registry down"))
	first := newTestExecution(t, wf, fake1, ExecutionOptions{Checkpointer: checkpointer})
	require.Error(t, first.Run(context.Background()))

	fake2 := commands.NewFakeExecutor(commands.Succeed("published"))
	second := newTestExecution(t, wf, fake2, ExecutionOptions{Checkpointer: checkpointer})
	require.NoError(t, second.Resume(context.Background(), first.ID()))

	// Only the failed step re-executed, under the original run identity.
	assert.Equal(t, 1, fake2.CallCount())
	assert.Equal(t, "publish", fake2.Calls[0].Text)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, RunCompleted, second.State().Status)
}

func TestResumeUnknownRun(t *testing.T) {
	wf, err := LoadString("name: x\nsteps: [\"true\"]")
	require.NoError(t, err)
	execution := newTestExecution(t, wf, commands.NewFakeExecutor(), ExecutionOptions{})

	err = execution.Resume(context.Background(), "run_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint found")
}

func TestResumeRejectsWorkflowMismatch(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	first, err := LoadString("name: alpha\nsteps: [\"true\"]")
	require.NoError(t, err)
	execution := newTestExecution(t, first, commands.NewFakeExecutor(), ExecutionOptions{Checkpointer: checkpointer})
	require.NoError(t, execution.Run(context.Background()))

	other, err := LoadString("name: beta\nsteps: [\"true\"]")
	require.NoError(t, err)
	wrong := newTestExecution(t, other, commands.NewFakeExecutor(), ExecutionOptions{Checkpointer: checkpointer})
	err = wrong.Resume(context.Background(), execution.ID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to workflow")
}

func TestMapReduceExecution(t *testing.T) {
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"},{"id":"c"}]`)
	wf, err := LoadString(mapReduceDoc(input, ""))
	require.NoError(t, err)

	fake := commands.NewFakeExecutor()
	execution := newTestExecution(t, wf, fake, ExecutionOptions{})
	require.NoError(t, execution.Run(context.Background()))

	state := execution.State()
	assert.Equal(t, RunCompleted, state.Status)
	assert.Equal(t, PhaseDone, state.Phase)

	result := execution.MapResult()
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Results, 3)

	// Results aggregate in original item order.
	for i, r := range result.Results {
		assert.Equal(t, i, r.ItemIndex)
		assert.True(t, r.Success)
	}

	// Three agent commands then the reduce, which sees the aggregate.
	require.Len(t, fake.Calls, 4)
	assert.Equal(t, "process a", fake.Calls[0].Text)
	assert.Equal(t, "process b", fake.Calls[1].Text)
	assert.Equal(t, "process c", fake.Calls[2].Text)
	assert.Equal(t, "report 3", fake.Calls[3].Text)
}

func TestMapReduceOrderPreservedUnderConcurrency(t *testing.T) {
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"},{"id":"c"},{"id":"d"},{"id":"e"}]`)
	wf, err := LoadString(fmt.Sprintf(`
name: fanout
expressions: expr
map:
  input: %s
  max_parallel: 3
  steps:
    - shell: "process ${item.id}"
`, input))
	require.NoError(t, err)

	execution := newTestExecution(t, wf, commands.NewFakeExecutor(), ExecutionOptions{})
	require.NoError(t, execution.Run(context.Background()))

	result := execution.MapResult()
	require.Len(t, result.Results, 5)
	for i, r := range result.Results {
		assert.Equal(t, i, r.ItemIndex)
	}
	assert.Equal(t, 5, result.Successful)
}

func TestMapReduceSetupScopeVisibleToAgents(t *testing.T) {
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"}]`)
	wf, err := LoadString(fmt.Sprintf(`
name: fanout
expressions: expr
setup:
  - id: token
    shell: "mint-token"
    capture_output: token
map:
  input: %s
  max_parallel: 1
  steps:
    - shell: "call --token ${token} --item ${item.id}"
`, input))
	require.NoError(t, err)

	fake := commands.NewFakeExecutor(commands.Succeed("tok-123\n"))
	execution := newTestExecution(t, wf, fake, ExecutionOptions{})
	require.NoError(t, execution.Run(context.Background()))

	require.Len(t, fake.Calls, 3)
	assert.Equal(t, "call --token tok-123 --item a", fake.Calls[1].Text)
	assert.Equal(t, "call --token tok-123 --item b", fake.Calls[2].Text)
}

func TestMapReduceDeadLetters(t *testing.T) {
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"}]`)
	wf, err := LoadString(mapReduceDoc(input, `
error_policy:
  on_item_failure: dlq
  retry_config:
    max_attempts: 2
    backoff:
      fixed: {delay: 0s}
`))
	require.NoError(t, err)

	deadLetters := NewNullDeadLetterStore()
	fake := commands.NewFakeExecutor(
		commands.Fail(1, "boom"),
		commands.Fail(1, "boom"),
		commands.Fail(1, "boom"),
		commands.Fail(1, "boom"),
		commands.Succeed("report ok"),
	)
	execution := newTestExecution(t, wf, fake, ExecutionOptions{DeadLetters: deadLetters})

	// Dead-lettering failures does not fail the run; the reduce still runs.
	require.NoError(t, execution.Run(context.Background()))

	result := execution.MapResult()
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 0, result.Successful)

	// Each item consumed its full two-attempt budget, then the reduce ran.
	assert.Equal(t, 5, fake.CallCount())

	entries, err := deadLetters.List(context.Background(), execution.ID())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.NotEmpty(t, entries[0].Reason)
	assert.Len(t, execution.State().DeadLetters, 2)
}

func TestMapReduceStopOnMaxFailures(t *testing.T) {
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"},{"id":"c"}]`)
	wf, err := LoadString(mapReduceDoc(input, `
error_policy:
  on_item_failure: dlq
  max_failures: 1
`))
	require.NoError(t, err)

	fake := commands.NewFakeExecutor(commands.Fail(1, "boom"))
	execution := newTestExecution(t, wf, fake, ExecutionOptions{})

	err = execution.Run(context.Background())
	require.Error(t, err)
	assert.True(t, MatchesErrorType(err, ErrorTypeThreshold))
	assert.Equal(t, RunFailed, execution.State().Status)

	// The third item was never admitted after the stop.
	assert.Equal(t, 2, fake.CallCount())
	result := execution.MapResult()
	assert.Equal(t, 2, result.Failed)
}

func TestMapReduceSkipPolicy(t *testing.T) {
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"},{"id":"c"}]`)
	wf, err := LoadString(mapReduceDoc(input, `
error_policy:
  on_item_failure: skip
`))
	require.NoError(t, err)

	fake := commands.NewFakeExecutor(
		commands.Fail(1, "boom"),
		commands.Succeed("ok"),
		commands.Succeed("ok"),
		commands.Succeed("ok"),
	)
	execution := newTestExecution(t, wf, fake, ExecutionOptions{})
	require.NoError(t, execution.Run(context.Background()))

	result := execution.MapResult()
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, result.Total, result.Successful+result.Failed+result.Skipped)
}

func TestMapReduceResume(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"},{"id":"c"}]`)
	wf, err := LoadString(mapReduceDoc(input, `
error_policy:
  on_item_failure: stop
`))
	require.NoError(t, err)

	// First run: item a succeeds, item b stops the phase.
	fake1 := commands.NewFakeExecutor(commands.Succeed("ok"), commands.Fail(1, "boom"))
	first := newTestExecution(t, wf, fake1, ExecutionOptions{Checkpointer: checkpointer})
	require.Error(t, first.Run(context.Background()))
	assert.Equal(t, RunFailed, first.State().Status)

	// Resume: only the item without a terminal result re-executes.
	fake2 := commands.NewFakeExecutor()
	second := newTestExecution(t, wf, fake2, ExecutionOptions{Checkpointer: checkpointer})
	require.NoError(t, second.Resume(context.Background(), first.ID()))

	// One map command for item c plus the reduce.
	require.Len(t, fake2.Calls, 2)
	assert.Equal(t, "process c", fake2.Calls[0].Text)
	assert.Equal(t, "report 2", fake2.Calls[1].Text)

	result := second.MapResult()
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, RunCompleted, second.State().Status)
}

// interruptingExecutor cancels the run during its nth dispatch, simulating
// a user interrupt while an agent is mid-command. Dispatches at or past the
// trigger point fail with the cancellation error, like a real command whose
// context was cancelled.
type interruptingExecutor struct {
	cancel context.CancelFunc
	after  int

	mu    sync.Mutex
	calls int
}

func (e *interruptingExecutor) Dispatch(ctx context.Context, inv commands.Invocation) (*commands.Output, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	if n >= e.after {
		e.cancel()
		return nil, ctx.Err()
	}
	return &commands.Output{Stdout: "ok\n"}, nil
}

func TestMapReduceCancelLeavesInterruptedItemPending(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	deadLetters := NewNullDeadLetterStore()
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"},{"id":"c"}]`)
	wf, err := LoadString(mapReduceDoc(input, ""))
	require.NoError(t, err)

	// Cancel while item b's command is running.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupting := &interruptingExecutor{cancel: cancel, after: 2}
	first, err := NewExecution(ExecutionOptions{
		Workflow:      wf,
		ShellExecutor: interrupting,
		AgentExecutor: interrupting,
		Provisioner:   &SharedDirProvisioner{Path: t.TempDir()},
		Checkpointer:  checkpointer,
		DeadLetters:   deadLetters,
	})
	require.NoError(t, err)
	err = first.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, RunFailed, first.State().Status)

	// The interrupted item is not dead-lettered and keeps no terminal
	// result; only item a completed.
	entries, err := deadLetters.List(context.Background(), first.ID())
	require.NoError(t, err)
	assert.Empty(t, entries)
	state, err := checkpointer.LoadCheckpoint(context.Background(), first.ID())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.AgentResults, 1)

	// Resume re-admits exactly the interrupted items, then reduces.
	fake := commands.NewFakeExecutor()
	second := newTestExecution(t, wf, fake, ExecutionOptions{
		Checkpointer: checkpointer,
		DeadLetters:  deadLetters,
	})
	require.NoError(t, second.Resume(context.Background(), first.ID()))
	require.Len(t, fake.Calls, 3)
	assert.Equal(t, "process b", fake.Calls[0].Text)
	assert.Equal(t, "process c", fake.Calls[1].Text)
	assert.Equal(t, "report 3", fake.Calls[2].Text)
	assert.Equal(t, RunCompleted, second.State().Status)
}

func TestResumeCompletedRunIsNoop(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	wf, err := LoadString("name: x\nsteps: [\"true\"]")
	require.NoError(t, err)
	first := newTestExecution(t, wf, commands.NewFakeExecutor(), ExecutionOptions{Checkpointer: checkpointer})
	require.NoError(t, first.Run(context.Background()))

	fake2 := commands.NewFakeExecutor()
	second := newTestExecution(t, wf, fake2, ExecutionOptions{Checkpointer: checkpointer})
	require.NoError(t, second.Resume(context.Background(), first.ID()))
	assert.Equal(t, 0, fake2.CallCount())
}

func TestReplayDeadLetters(t *testing.T) {
	deadLetters := NewNullDeadLetterStore()
	input := writeItemsFile(t, `[{"id":"a"},{"id":"b"}]`)
	wf, err := LoadString(mapReduceDoc(input, ""))
	require.NoError(t, err)

	// First run dead-letters both items.
	fake1 := commands.NewFakeExecutor(
		commands.Fail(1, "boom"),
		commands.Fail(1, "boom"),
		commands.Succeed("report ok"),
	)
	first := newTestExecution(t, wf, fake1, ExecutionOptions{DeadLetters: deadLetters})
	require.NoError(t, first.Run(context.Background()))
	entries, err := deadLetters.List(context.Background(), first.ID())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Replay succeeds and clears the replayed entries.
	fake2 := commands.NewFakeExecutor()
	second := newTestExecution(t, wf, fake2, ExecutionOptions{DeadLetters: deadLetters})
	result, err := second.ReplayDeadLetters(context.Background(), first.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Successful)

	entries, err = deadLetters.List(context.Background(), first.ID())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplayRequiresMapReduce(t *testing.T) {
	wf, err := LoadString("name: x\nsteps: [\"true\"]")
	require.NoError(t, err)
	execution := newTestExecution(t, wf, commands.NewFakeExecutor(), ExecutionOptions{})

	_, err = execution.ReplayDeadLetters(context.Background(), "run_x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapreduce")
}

// failingCheckpointer simulates checkpoint storage loss.
type failingCheckpointer struct {
	NullCheckpointer
}

func (c *failingCheckpointer) SaveCheckpoint(ctx context.Context, state *RunState) error {
	return errors.New("disk gone")
}

func TestCheckpointFailureIsFatal(t *testing.T) {
	wf, err := LoadString("name: x\nsteps: [\"true\"]")
	require.NoError(t, err)
	execution := newTestExecution(t, wf, commands.NewFakeExecutor(), ExecutionOptions{
		Checkpointer: &failingCheckpointer{},
	})

	err = execution.Run(context.Background())
	require.Error(t, err)
	assert.True(t, MatchesErrorType(err, ErrorTypeCheckpoint))
	assert.True(t, IsFatal(err))
}

func TestExecutionRequiresWorkflow(t *testing.T) {
	_, err := NewExecution(ExecutionOptions{})
	require.Error(t, err)
}

func writeWorkflowFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadFileRoundTrip(t *testing.T) {
	path := writeWorkflowFile(t, "name: from-file\nsteps: [\"true\"]")
	wf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", wf.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
