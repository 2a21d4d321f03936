package tilth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/greenling-ai/tilth/commands"
	"github.com/greenling-ai/tilth/script"
)

// ExecutionOptions configures a single workflow execution.
type ExecutionOptions struct {
	// Workflow is the definition to execute (required)
	Workflow *Workflow

	// Inputs seeds the root variable scope
	Inputs map[string]any

	// RunID identifies this run; generated when empty
	RunID string

	// Checkpointer persists run state; defaults to the null checkpointer,
	// which makes the run non-resumable
	Checkpointer Checkpointer

	// DeadLetters stores permanently failed work items; defaults to an
	// in-memory store
	DeadLetters DeadLetterStore

	// Provisioner creates per-agent workspaces; defaults to plain
	// directories under the system temp dir
	Provisioner Provisioner

	// ShellExecutor and AgentExecutor dispatch step commands
	ShellExecutor commands.Executor
	AgentExecutor commands.Executor

	// WorkDir is the working directory for sequential, setup, and reduce
	// steps; agents always get their own workspace
	WorkDir string

	// Logger for execution events
	Logger *slog.Logger

	// Formatter renders step activity for the user
	Formatter Formatter

	// Reporter receives surfaced item errors per the error policy's
	// collection strategy
	Reporter ErrorReporter
}

// Execution runs one workflow to completion, checkpointing after every
// terminal step or agent transition. A fresh Execution is required per run
// or resume; it is not reusable.
type Execution struct {
	workflow     *Workflow
	runID        string
	inputs       map[string]any
	checkpointer Checkpointer
	deadLetters  DeadLetterStore
	provisioner  Provisioner
	engine       script.Compiler
	runner       *StepRunner
	logger       *slog.Logger
	reporter     ErrorReporter

	state     *RunState
	scope     *Variables
	mapResult *MapResult
}

// NewExecution creates an execution for one workflow run.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	checkpointer := opts.Checkpointer
	if checkpointer == nil {
		checkpointer = NewNullCheckpointer()
	}
	deadLetters := opts.DeadLetters
	if deadLetters == nil {
		deadLetters = NewNullDeadLetterStore()
	}
	provisioner := opts.Provisioner
	if provisioner == nil {
		provisioner = NewLocalProvisioner("")
	}

	engine := script.Engine(opts.Workflow.Expressions)
	runner := NewStepRunner(StepRunnerOptions{
		ShellExecutor: opts.ShellExecutor,
		AgentExecutor: opts.AgentExecutor,
		Engine:        engine,
		Logger:        logger,
		Formatter:     opts.Formatter,
		WorkDir:       opts.WorkDir,
		Env:           opts.Workflow.Env,
	})

	return &Execution{
		workflow:     opts.Workflow,
		runID:        runID,
		inputs:       opts.Inputs,
		checkpointer: checkpointer,
		deadLetters:  deadLetters,
		provisioner:  provisioner,
		engine:       engine,
		runner:       runner,
		logger:       logger.With("run_id", runID, "workflow", opts.Workflow.Name),
		reporter:     opts.Reporter,
	}, nil
}

// ID returns the run identifier.
func (e *Execution) ID() string {
	return e.runID
}

// State returns the run state. Safe to read only after Run or Resume has
// returned.
func (e *Execution) State() *RunState {
	return e.state
}

// MapResult returns the aggregated map-phase outcome of a MapReduce run,
// or nil for sequential runs.
func (e *Execution) MapResult() *MapResult {
	return e.mapResult
}

// Run executes the workflow from the beginning.
func (e *Execution) Run(ctx context.Context) error {
	e.state = newRunState(e.runID, e.workflow)
	e.scope = NewVariablesFrom(e.inputs)
	return e.run(ctx)
}

// Resume continues a previously checkpointed run. Completed steps and work
// items with terminal results are not re-executed. The prior run's captured
// variables are restored, with current Inputs overriding on conflict.
func (e *Execution) Resume(ctx context.Context, priorRunID string) error {
	state, err := e.checkpointer.LoadCheckpoint(ctx, priorRunID)
	if err != nil {
		return WrapError(ErrorTypeCheckpoint, err)
	}
	if state == nil {
		return fmt.Errorf("no checkpoint found for run %q", priorRunID)
	}
	if state.WorkflowName != e.workflow.Name {
		return fmt.Errorf("checkpoint belongs to workflow %q, not %q",
			state.WorkflowName, e.workflow.Name)
	}
	if state.Status == RunCompleted {
		e.logger.Info("run already completed, nothing to resume", "prior_run_id", priorRunID)
		e.state = state
		return nil
	}

	// The resumed run keeps its original identity so agent results, dead
	// letters, and checkpoints stay under one key.
	e.runID = state.RunID
	e.logger = e.logger.With("resumed", true)
	if state.StepResults == nil {
		state.StepResults = map[string]*StepResult{}
	}
	if state.SetupResults == nil {
		state.SetupResults = map[string]*StepResult{}
	}
	if state.AgentResults == nil {
		state.AgentResults = map[int]*AgentResult{}
	}
	if state.ReduceResults == nil {
		state.ReduceResults = map[string]*StepResult{}
	}
	state.Error = ""
	state.EndTime = time.Time{}
	e.state = state

	scope := NewVariablesFrom(state.Variables)
	for k, v := range e.inputs {
		scope.Set(k, v)
	}
	e.scope = scope

	e.logger.Info("resuming run",
		"prior_status", state.Status,
		"phase", state.Phase,
		"completed_items", len(state.AgentResults))
	return e.run(ctx)
}

// run dispatches on mode and records the terminal status.
func (e *Execution) run(ctx context.Context) error {
	e.state.Status = RunRunning
	if err := e.saveCheckpoint(ctx); err != nil {
		return err
	}
	e.logger.Info("execution started", "mode", e.workflow.Mode)

	var err error
	switch e.workflow.Mode {
	case ModeMapReduce:
		err = e.runMapReduce(ctx)
	default:
		err = e.runSequential(ctx)
	}

	e.state.EndTime = time.Now()
	if err != nil {
		e.state.Status = RunFailed
		e.state.Error = err.Error()
	} else {
		e.state.Status = RunCompleted
	}
	if saveErr := e.saveCheckpoint(ctx); saveErr != nil && err == nil {
		err = saveErr
	}

	e.logger.Info("execution finished",
		"status", e.state.Status,
		"duration", e.state.EndTime.Sub(e.state.StartTime))
	return err
}

// runSequential executes the step list in order, checkpointing after each
// terminal step. On resume, steps with a successful terminal result are
// skipped.
func (e *Execution) runSequential(ctx context.Context) error {
	for _, step := range e.workflow.Steps {
		if prior, ok := e.state.StepResults[step.ID]; ok && prior.Terminal() && prior.Success {
			e.logger.Debug("step already complete, skipping", "step", step.ID)
			continue
		}
		result, err := e.runner.Run(ctx, step, e.scope)
		e.state.StepResults[step.ID] = result
		e.state.Variables = e.scope.Snapshot()
		if saveErr := e.saveCheckpoint(ctx); saveErr != nil {
			return saveErr
		}
		if err != nil {
			return fmt.Errorf("step %q failed: %w", step.ID, err)
		}
	}
	return nil
}

// runMapReduce builds the policy engine and hands control to the
// coordinator. On resume the policy counters and circuit breaker are
// rehydrated from the checkpoint before any item is admitted.
func (e *Execution) runMapReduce(ctx context.Context) error {
	policy, err := NewPolicyEngine(PolicyEngineOptions{
		Policy:   e.workflow.ErrorPolicy,
		Logger:   e.logger,
		Reporter: e.reporter,
	})
	if err != nil {
		return err
	}
	c := e.state.Counters
	policy.restoreCounts(c.Total, c.Successful, c.Failed, c.Skipped)
	if breaker := policy.Breaker(); breaker != nil {
		breaker.Restore(e.state.Breaker)
	}

	coordinator := NewCoordinator(CoordinatorOptions{
		Workflow:     e.workflow,
		State:        e.state,
		Runner:       e.runner,
		Policy:       policy,
		Provisioner:  e.provisioner,
		Checkpointer: e.checkpointer,
		DeadLetters:  e.deadLetters,
		Engine:       e.engine,
		Logger:       e.logger,
		SetupScope:   e.scope,
	})
	result, runErr := coordinator.Run(ctx)
	e.mapResult = result
	return runErr
}

// ReplayDeadLetters re-executes the dead-lettered items of a previous run
// through this workflow's map phase. Setup runs fresh; items that succeed
// are removed from the dead letter store. The workflow must be MapReduce.
func (e *Execution) ReplayDeadLetters(ctx context.Context, priorRunID string) (*MapResult, error) {
	if e.workflow.Mode != ModeMapReduce {
		return nil, fmt.Errorf("dead letter replay requires a mapreduce workflow")
	}
	entries, err := e.deadLetters.List(ctx, priorRunID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		e.logger.Info("no dead letters to replay", "prior_run_id", priorRunID)
		return &MapResult{}, nil
	}

	items := make([]WorkItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, WorkItem{Index: entry.ItemIndex, Value: entry.Item})
	}
	e.logger.Info("replaying dead letters",
		"prior_run_id", priorRunID, "items", len(items))

	e.state = newRunState(e.runID, e.workflow)
	e.state.Status = RunRunning
	e.scope = NewVariablesFrom(e.inputs)

	policy, err := NewPolicyEngine(PolicyEngineOptions{
		Policy:   e.workflow.ErrorPolicy,
		Logger:   e.logger,
		Reporter: e.reporter,
	})
	if err != nil {
		return nil, err
	}
	coordinator := NewCoordinator(CoordinatorOptions{
		Workflow:     e.workflow,
		State:        e.state,
		Runner:       e.runner,
		Policy:       policy,
		Provisioner:  e.provisioner,
		Checkpointer: e.checkpointer,
		DeadLetters:  e.deadLetters,
		Engine:       e.engine,
		Logger:       e.logger,
		SetupScope:   e.scope,
	})

	if setupErr := coordinator.runSetup(ctx); setupErr != nil {
		return nil, setupErr
	}
	result, runErr := coordinator.runMap(ctx, items)
	e.mapResult = result

	e.state.EndTime = time.Now()
	if runErr != nil {
		e.state.Status = RunFailed
		e.state.Error = runErr.Error()
	} else {
		e.state.Status = RunCompleted
	}
	if saveErr := e.saveCheckpoint(ctx); saveErr != nil && runErr == nil {
		runErr = saveErr
	}

	// Successfully replayed items leave the dead letter set.
	if result != nil {
		var succeeded []int
		for _, r := range result.Results {
			if r != nil && r.Success {
				succeeded = append(succeeded, r.ItemIndex)
			}
		}
		if len(succeeded) > 0 {
			if removeErr := e.deadLetters.Remove(ctx, priorRunID, succeeded); removeErr != nil {
				e.logger.Warn("failed to remove replayed dead letters", "error", removeErr)
			} else {
				e.logger.Info("removed replayed dead letters", "count", len(succeeded))
			}
		}
	}
	return result, runErr
}

func (e *Execution) saveCheckpoint(ctx context.Context) error {
	e.state.CheckpointAt = time.Now()
	if err := e.checkpointer.SaveCheckpoint(context.WithoutCancel(ctx), e.state); err != nil {
		return WrapError(ErrorTypeCheckpoint, err)
	}
	return nil
}
