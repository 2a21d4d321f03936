package tilth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/greenling-ai/tilth/script"
)

// MapResult is the aggregated outcome of a map phase, always in original
// item order regardless of completion order. It becomes the reduce phase's
// input.
type MapResult struct {
	Total       int                `json:"total"`
	Successful  int                `json:"successful"`
	Failed      int                `json:"failed"`
	Skipped     int                `json:"skipped"`
	Results     []*AgentResult     `json:"results"`
	DeadLetters []*DeadLetterEntry `json:"dead_letters,omitempty"`
}

// reduceGlobals is the aggregate view injected into the reduce scope under
// the "map" variable.
func (m *MapResult) reduceGlobals() map[string]any {
	results := make([]any, 0, len(m.Results))
	for _, r := range m.Results {
		if r == nil {
			continue
		}
		results = append(results, map[string]any{
			"item_id":    r.ItemID,
			"item_index": r.ItemIndex,
			"success":    r.Success,
			"skipped":    r.Skipped,
			"attempts":   r.Attempts,
			"error":      r.ErrorMessage,
		})
	}
	return map[string]any{
		"total":      m.Total,
		"successful": m.Successful,
		"failed":     m.Failed,
		"skipped":    m.Skipped,
		"results":    results,
	}
}

// CoordinatorOptions wires a Coordinator.
type CoordinatorOptions struct {
	Workflow     *Workflow
	State        *RunState
	Runner       *StepRunner
	Policy       *PolicyEngine
	Provisioner  Provisioner
	Checkpointer Checkpointer
	DeadLetters  DeadLetterStore
	Engine       script.Compiler
	Logger       *slog.Logger
	SetupScope   *Variables
}

// Coordinator drives a MapReduce workflow: setup, bounded-concurrency map
// fan-out, and reduce. Agents execute in goroutines and report outcomes on
// a channel; the coordinator's run loop is the sole mutator of the circuit
// breaker, aggregate counters, and checkpoint state, so no fine-grained
// locking is needed beyond the policy engine's own serialization point.
type Coordinator struct {
	workflow     *Workflow
	state        *RunState
	runner       *StepRunner
	policy       *PolicyEngine
	provisioner  Provisioner
	checkpointer Checkpointer
	deadLetters  DeadLetterStore
	engine       script.Compiler
	logger       *slog.Logger
	setupScope   *Variables
}

// NewCoordinator creates a coordinator for one run.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		workflow:     opts.Workflow,
		state:        opts.State,
		runner:       opts.Runner,
		policy:       opts.Policy,
		provisioner:  opts.Provisioner,
		checkpointer: opts.Checkpointer,
		deadLetters:  opts.DeadLetters,
		engine:       opts.Engine,
		logger:       logger,
		setupScope:   opts.SetupScope,
	}
}

// Run executes the three phases to completion. On resume, completed setup
// steps and work items with terminal results are not re-executed.
func (c *Coordinator) Run(ctx context.Context) (*MapResult, error) {
	if err := c.runSetup(ctx); err != nil {
		return nil, err
	}

	items, err := LoadWorkItems(ctx, c.workflow.Map, c.engine)
	if err != nil {
		return nil, err
	}
	result, err := c.runMap(ctx, items)
	if err != nil {
		return result, err
	}

	if err := c.runReduce(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// runSetup executes the setup steps sequentially in the shared scope that
// every agent later inherits.
func (c *Coordinator) runSetup(ctx context.Context) error {
	if c.state.SetupComplete {
		c.logger.Info("setup already complete, skipping")
		return nil
	}
	c.state.Phase = PhaseSetup

	for _, step := range c.workflow.Setup {
		if prior, ok := c.state.SetupResults[step.ID]; ok && prior.Terminal() && prior.Success {
			continue
		}
		result, err := c.runner.Run(ctx, step, c.setupScope)
		c.state.SetupResults[step.ID] = result
		c.state.Variables = c.setupScope.Snapshot()
		if saveErr := c.saveCheckpoint(ctx); saveErr != nil {
			return saveErr
		}
		if err != nil {
			return fmt.Errorf("setup step %q failed: %w", step.ID, err)
		}
	}

	c.state.SetupComplete = true
	c.state.Variables = c.setupScope.Snapshot()
	return c.saveCheckpoint(ctx)
}

// admission is one work item queued for execution.
type admission struct {
	item    WorkItem
	attempt int
}

// agentOutcome is what an agent goroutine reports back to the run loop.
type agentOutcome struct {
	agent  *Agent
	adm    admission
	result *AgentResult
	err    error
}

// runMap fans work items out across isolated agents with bounded
// concurrency. Items with terminal results in the checkpoint are never
// re-admitted.
func (c *Coordinator) runMap(ctx context.Context, items []WorkItem) (*MapResult, error) {
	c.state.Phase = PhaseMap
	c.state.TotalItems = len(items)

	var pending []admission
	for _, item := range items {
		if prior, ok := c.state.AgentResults[item.Index]; ok && prior != nil {
			continue
		}
		pending = append(pending, admission{item: item, attempt: 1})
	}
	c.logger.Info("starting map phase",
		"total_items", len(items),
		"pending", len(pending),
		"max_parallel", c.workflow.Map.MaxParallel)

	outcomes := make(chan agentOutcome)
	retries := make(chan admission, len(items)+1)
	done := ctx.Done()
	running := 0
	waitingRetries := 0
	stopping := false
	var stopErr error

	fail := func(err error) (*MapResult, error) {
		// Unrecoverable coordinator error: checkpoint state is already
		// current up to the last terminal transition.
		return c.mapResult(), err
	}

	for running > 0 || waitingRetries > 0 || (!stopping && len(pending) > 0) {
		// Admit up to max_parallel agents.
		for !stopping && running < c.workflow.Map.MaxParallel && len(pending) > 0 {
			adm := pending[0]
			pending = pending[1:]

			if err := c.policy.Admit(); err != nil {
				// Circuit open: fail fast without executing.
				action := c.policy.OnItemFailure(adm.item.ID(), adm.attempt, err)
				stop, applyErr := c.applyAction(ctx, adm, nil, nil, err, action, retries, &waitingRetries)
				if applyErr != nil {
					return fail(applyErr)
				}
				if stop {
					stopping = true
					stopErr = c.stopError(action)
				}
				continue
			}

			running++
			go c.launch(ctx, adm, outcomes)
		}

		if running == 0 && waitingRetries == 0 {
			if stopping || len(pending) == 0 {
				break
			}
			continue
		}

		select {
		case <-done:
			// Stop admitting new agents; in-flight agents see the
			// cancelled context and reach a terminal result.
			done = nil
			stopping = true
			if stopErr == nil {
				stopErr = ctx.Err()
			}
			c.logger.Info("cancellation requested, draining in-flight agents",
				"in_flight", running)
			if running == 0 {
				waitingRetries = 0
			}
		case adm := <-retries:
			waitingRetries--
			if stopping {
				continue
			}
			pending = append(pending, adm)
		case out := <-outcomes:
			running--
			stop, err := c.processOutcome(ctx, out, retries, &waitingRetries)
			if err != nil {
				return fail(err)
			}
			if stop && !stopping {
				stopping = true
				reason := ""
				if out.err != nil {
					reason = out.err.Error()
				}
				stopErr = c.stopError(Action{Kind: ActionStop, Reason: reason})
			}
		}
	}

	c.policy.Flush()

	// Final checkpoint so partial state is never silently lost.
	if err := c.saveCheckpoint(ctx); err != nil {
		return fail(err)
	}

	result := c.mapResult()
	c.logger.Info("map phase finished",
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"dead_letters", len(result.DeadLetters))

	if stopErr != nil {
		return result, stopErr
	}
	return result, nil
}

// launch provisions a workspace and runs one agent. Outcomes, including
// provisioning failures, are reported on the channel.
func (c *Coordinator) launch(ctx context.Context, adm admission, outcomes chan<- agentOutcome) {
	agentID := NewAgentID()
	workspace, err := c.provisioner.Provision(ctx, c.state.RunID, agentID)
	if err != nil {
		outcomes <- agentOutcome{
			adm: adm,
			err: WrapError(ErrorTypeExecution, fmt.Errorf("failed to provision workspace: %w", err)),
		}
		return
	}

	agent := newAgent(agentID, adm.item, adm.attempt, workspace, c.setupScope)
	c.logger.Debug("agent started",
		"agent_id", agent.ID,
		"item", adm.item.ID(),
		"attempt", adm.attempt,
		"workspace", workspace.Dir())

	result, err := agent.run(ctx, c.runner, c.workflow.Map.Steps, c.workflow.Map.AgentTimeout)
	outcomes <- agentOutcome{agent: agent, adm: adm, result: result, err: err}
}

// processOutcome applies the policy decision for one agent outcome. It runs
// on the coordinator goroutine only. Returns done=true when the phase must
// stop.
func (c *Coordinator) processOutcome(ctx context.Context, out agentOutcome, retries chan<- admission, waitingRetries *int) (bool, error) {
	if out.err == nil {
		c.policy.OnItemSuccess(out.adm.item.ID())
		c.recordResult(out.result)
		if err := c.saveCheckpoint(ctx); err != nil {
			return false, err
		}
		c.teardown(out.agent)
		return false, nil
	}

	// A failure caused by run cancellation is not an item failure. The item
	// keeps no terminal result and no dead letter entry, so a later resume
	// re-admits it.
	if ctx.Err() != nil && errors.Is(out.err, ctx.Err()) {
		c.logger.Info("work item interrupted, left pending for resume",
			"item", out.adm.item.ID())
		c.teardown(out.agent)
		return false, nil
	}

	action := c.policy.OnItemFailure(out.adm.item.ID(), out.adm.attempt, out.err)
	return c.applyAction(ctx, out.adm, out.agent, out.result, out.err, action, retries, waitingRetries)
}

// applyAction carries out a policy Action for a failed item.
func (c *Coordinator) applyAction(ctx context.Context, adm admission, agent *Agent, result *AgentResult, cause error, action Action, retries chan<- admission, waitingRetries *int) (bool, error) {
	if result == nil {
		result = &AgentResult{
			ItemIndex:    adm.item.Index,
			ItemID:       adm.item.ID(),
			Attempts:     adm.attempt,
			ErrorMessage: cause.Error(),
			EndTime:      time.Now(),
		}
		if agent != nil {
			result.AgentID = agent.ID
			result.StartTime = agent.StartTime
		}
	}

	switch action.Kind {
	case ActionRetry:
		// Re-admission gets an incremented attempt count and, on launch, a
		// fresh isolated context. The old workspace is reclaimed now.
		c.teardown(agent)
		*waitingRetries++
		delay := action.Delay
		c.logger.Info("retrying work item",
			"item", adm.item.ID(), "attempt", adm.attempt+1, "delay", delay)
		go func(next admission) {
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
				}
			}
			retries <- next
		}(admission{item: adm.item, attempt: adm.attempt + 1})
		return false, nil

	case ActionDeadLetter:
		entry := &DeadLetterEntry{
			RunID:        c.state.RunID,
			ItemIndex:    adm.item.Index,
			ItemID:       adm.item.ID(),
			Item:         adm.item.Value,
			Reason:       action.Reason,
			ErrorType:    ClassifyError(cause).Type,
			Attempts:     adm.attempt,
			FirstAttempt: result.StartTime,
			LastAttempt:  time.Now(),
			AgentID:      result.AgentID,
		}
		if err := c.deadLetters.Append(ctx, entry); err != nil {
			return false, WrapError(ErrorTypeCheckpoint, fmt.Errorf("failed to persist dead letter entry: %w", err))
		}
		c.state.DeadLetters = append(c.state.DeadLetters, entry)
		c.recordResult(result)
		if err := c.saveCheckpoint(ctx); err != nil {
			return false, err
		}
		c.teardown(agent)
		return false, nil

	case ActionSkip:
		result.Skipped = true
		c.recordResult(result)
		if err := c.saveCheckpoint(ctx); err != nil {
			return false, err
		}
		c.teardown(agent)
		return false, nil

	case ActionStop:
		c.recordResult(result)
		if err := c.saveCheckpoint(ctx); err != nil {
			return true, err
		}
		c.teardown(agent)
		return true, nil
	}

	// Continue: terminal without special handling.
	c.recordResult(result)
	if err := c.saveCheckpoint(ctx); err != nil {
		return false, err
	}
	c.teardown(agent)
	return false, nil
}

func (c *Coordinator) stopError(action Action) error {
	return NewWorkflowError(ErrorTypeThreshold, action.Reason)
}

// recordResult stores a terminal agent result. Completed results are never
// overwritten, keeping the checkpointed set monotonically non-decreasing.
func (c *Coordinator) recordResult(result *AgentResult) {
	if result == nil {
		return
	}
	if _, exists := c.state.AgentResults[result.ItemIndex]; exists {
		return
	}
	c.state.AgentResults[result.ItemIndex] = result
}

// teardown reclaims an agent's workspace after its result is durably
// recorded.
func (c *Coordinator) teardown(agent *Agent) {
	if agent == nil || agent.Workspace == nil {
		return
	}
	if err := agent.Workspace.Teardown(context.Background()); err != nil {
		c.logger.Warn("failed to tear down workspace",
			"agent_id", agent.ID, "error", err)
	}
}

// mapResult aggregates the recorded agent results in original item order.
func (c *Coordinator) mapResult() *MapResult {
	indices := make([]int, 0, len(c.state.AgentResults))
	for idx := range c.state.AgentResults {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	result := &MapResult{
		Total:       c.state.TotalItems,
		DeadLetters: c.state.DeadLetters,
	}
	for _, idx := range indices {
		r := c.state.AgentResults[idx]
		result.Results = append(result.Results, r)
		switch {
		case r.Success:
			result.Successful++
		case r.Skipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	return result
}

// runReduce executes the reduce steps once, sequentially, over the setup
// scope plus the aggregated map results. Reduce failures follow ordinary
// step handler rules; there is no item-level retry here.
func (c *Coordinator) runReduce(ctx context.Context, mapResult *MapResult) error {
	if len(c.workflow.Reduce) == 0 {
		c.state.Phase = PhaseDone
		return c.saveCheckpoint(ctx)
	}
	c.state.Phase = PhaseReduce

	scope := c.setupScope.Child()
	scope.Set("map", mapResult.reduceGlobals())

	for _, step := range c.workflow.Reduce {
		if prior, ok := c.state.ReduceResults[step.ID]; ok && prior.Terminal() && prior.Success {
			continue
		}
		result, err := c.runner.Run(ctx, step, scope)
		c.state.ReduceResults[step.ID] = result
		if saveErr := c.saveCheckpoint(ctx); saveErr != nil {
			return saveErr
		}
		if err != nil {
			return fmt.Errorf("reduce step %q failed: %w", step.ID, err)
		}
	}

	c.state.Phase = PhaseDone
	return c.saveCheckpoint(ctx)
}

// saveCheckpoint mirrors policy counters into the state and persists it.
// Checkpoint IO errors are fatal to the run.
func (c *Coordinator) saveCheckpoint(ctx context.Context) error {
	metrics := c.policy.Metrics()
	c.state.Counters = RunCounters{
		Total:      metrics.TotalItems,
		Successful: metrics.Successful,
		Failed:     metrics.Failed,
		Skipped:    metrics.Skipped,
	}
	if breaker := c.policy.Breaker(); breaker != nil {
		c.state.Breaker = breaker.Snapshot()
	}
	c.state.CheckpointAt = time.Now()
	// Checkpoints must land even during cancellation: partial state is
	// never silently lost.
	if err := c.checkpointer.SaveCheckpoint(context.WithoutCancel(ctx), c.state); err != nil {
		return WrapError(ErrorTypeCheckpoint, err)
	}
	return nil
}
