package tilth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/greenling-ai/tilth/commands"
	"github.com/greenling-ai/tilth/script"
)

// StepStatus is the state of one step execution.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepEvaluating      StepStatus = "evaluating"
	StepSkipped         StepStatus = "skipped"
	StepExecuting       StepStatus = "executing"
	StepSucceeded       StepStatus = "succeeded"
	StepFailed          StepStatus = "failed"
	StepHandlingFailure StepStatus = "handling_failure"
	StepRetrying        StepStatus = "retrying"
)

// Terminal reports whether the status is an end state.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// StepResult is the outcome of one step execution. One result is produced
// per attempt; the latest is retained. Underlying detail (stderr, exit
// code) is always kept, never discarded.
type StepResult struct {
	StepID       string         `json:"step_id"`
	StepName     string         `json:"step_name,omitempty"`
	Status       StepStatus     `json:"status"`
	Attempts     int            `json:"attempts"`
	ExitCode     int            `json:"exit_code"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Success      bool           `json:"success"`
	Tolerated    bool           `json:"tolerated,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Captured     map[string]any `json:"captured,omitempty"`
	StartTime    time.Time      `json:"start_time,omitzero"`
	EndTime      time.Time      `json:"end_time,omitzero"`
}

// Terminal reports whether the result represents a finished step.
func (r *StepResult) Terminal() bool {
	return r != nil && r.Status.Terminal()
}

// StepRunnerOptions configures a StepRunner.
type StepRunnerOptions struct {
	ShellExecutor commands.Executor
	AgentExecutor commands.Executor
	Engine        script.Compiler
	Logger        *slog.Logger
	Formatter     Formatter

	// WorkDir is the default working directory for commands; a step's own
	// workdir overrides it. Agents get their isolated workspace here.
	WorkDir string

	// Env is merged under each step's env
	Env map[string]string
}

// StepRunner evaluates one workflow step at a time: guard, execute,
// success/failure branch, retry. It holds no cross-step state, so one
// runner may be shared by sequential phases and cloned per agent.
type StepRunner struct {
	shell     commands.Executor
	agent     commands.Executor
	engine    script.Compiler
	logger    *slog.Logger
	formatter Formatter
	workDir   string
	env       map[string]string
}

// NewStepRunner creates a step runner.
func NewStepRunner(opts StepRunnerOptions) *StepRunner {
	if opts.ShellExecutor == nil {
		opts.ShellExecutor = commands.NewShellExecutor()
	}
	if opts.AgentExecutor == nil {
		opts.AgentExecutor = commands.NewAgentExecutor()
	}
	if opts.Engine == nil {
		opts.Engine = script.Engine("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Formatter == nil {
		opts.Formatter = NullFormatter{}
	}
	return &StepRunner{
		shell:     opts.ShellExecutor,
		agent:     opts.AgentExecutor,
		engine:    opts.Engine,
		logger:    opts.Logger,
		formatter: opts.Formatter,
		workDir:   opts.WorkDir,
		env:       opts.Env,
	}
}

// InDir returns a copy of the runner rooted at a different working
// directory. Used to give each agent its isolated workspace.
func (r *StepRunner) InDir(dir string) *StepRunner {
	clone := *r
	clone.workDir = dir
	return &clone
}

// Run executes one step to a terminal result. A skipped or succeeded step
// returns a nil error. A failed step returns the result together with a
// classified error, except when the failure was explicitly tolerated by an
// `on_failure: true` handler.
func (r *StepRunner) Run(ctx context.Context, step *Step, scope *Variables) (*StepResult, error) {
	result := &StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    StepPending,
		StartTime: time.Now(),
	}

	// Guard evaluation. An unresolved reference or any evaluation error is
	// a non-fatal guard error: the guard is false and the step is skipped.
	result.Status = StepEvaluating
	if step.When != "" {
		pass, guardErr := r.evalGuard(ctx, step.When, scope)
		if !pass {
			result.Status = StepSkipped
			result.EndTime = time.Now()
			if guardErr != nil {
				result.ErrorType = ErrorTypeGuard
				result.ErrorMessage = guardErr.Error()
			}
			r.logger.Debug("step skipped by guard", "step", step.ID, "when", step.When)
			return result, nil
		}
	}

	budget := step.Attempts()
	var lastErr error

	for attempt := 1; attempt <= budget; attempt++ {
		result.Attempts = attempt
		result.Status = StepExecuting
		r.formatter.StepStart(step.ID, string(step.Kind()))

		output, execErr := r.executeCommand(ctx, step, scope)
		if output != nil {
			result.ExitCode = output.ExitCode
			result.Stdout = output.Stdout
			result.Stderr = output.Stderr
			result.Duration += output.Duration
		}

		if execErr == nil && (output == nil || output.Success()) {
			return r.finishSuccess(ctx, step, scope, result)
		}

		// Attempt failed. Build a classified error carrying the detail.
		lastErr = r.attemptError(step, output, execErr)
		result.ErrorType = ClassifyError(lastErr).Type
		result.ErrorMessage = lastErr.Error()
		r.formatter.StepError(step.ID, lastErr)

		if IsFatal(lastErr) {
			break
		}

		// The failure handler runs on every failure, before any retry.
		if step.OnFailure != nil {
			if step.OnFailure.Tolerate {
				result.Status = StepFailed
				result.Tolerated = true
				result.EndTime = time.Now()
				r.logger.Info("step failure tolerated", "step", step.ID, "error", lastErr)
				return result, nil
			}
			if !step.OnFailure.Empty() {
				result.Status = StepHandlingFailure
				if handlerErr := r.runHandler(ctx, step.OnFailure, scope); handlerErr != nil {
					if step.OnFailure.Fatal {
						lastErr = WrapError(ErrorTypeHandler, handlerErr)
						break
					}
					// Non-fatal handler failure: the retry budget still
					// governs whether the original command re-executes.
					r.logger.Warn("failure handler failed",
						"step", step.ID, "error", handlerErr)
				}
			}
		}

		if attempt < budget {
			result.Status = StepRetrying
			r.logger.Info("retrying step",
				"step", step.ID, "attempt", attempt+1, "max_attempts", budget)
		}
	}

	result.Status = StepFailed
	result.EndTime = time.Now()
	if result.Attempts > 1 {
		lastErr = &WorkflowError{
			Type:    ErrorTypeRetryExhausted,
			Cause:   fmt.Sprintf("step %q failed after %d attempts: %v", step.ID, result.Attempts, lastErr),
			Wrapped: lastErr,
		}
		result.ErrorType = ErrorTypeRetryExhausted
		result.ErrorMessage = lastErr.Error()
	}
	return result, lastErr
}

// finishSuccess captures output variables and runs the success handler.
func (r *StepRunner) finishSuccess(ctx context.Context, step *Step, scope *Variables, result *StepResult) (*StepResult, error) {
	result.Success = true
	result.Status = StepSucceeded
	result.EndTime = time.Now()

	if step.CaptureOutput != "" {
		captured := strings.TrimRight(result.Stdout, "\n")
		scope.Set(step.CaptureOutput, captured)
		result.Captured = map[string]any{step.CaptureOutput: captured}
	}
	scope.Set("last_output", strings.TrimRight(result.Stdout, "\n"))

	r.formatter.StepOutput(step.ID, result.Stdout)

	if step.OnSuccess != nil && !step.OnSuccess.Empty() {
		if handlerErr := r.runHandler(ctx, step.OnSuccess, scope); handlerErr != nil {
			// A success handler's failure fails the step only when
			// explicitly configured as fatal.
			if step.OnSuccess.Fatal {
				result.Success = false
				result.Status = StepFailed
				wrapped := WrapError(ErrorTypeHandler, handlerErr)
				result.ErrorType = ErrorTypeHandler
				result.ErrorMessage = wrapped.Error()
				return result, wrapped
			}
			r.logger.Warn("success handler failed", "step", step.ID, "error", handlerErr)
		}
	}
	return result, nil
}

// runHandler executes a handler's nested steps in order, stopping at the
// first failure.
func (r *StepRunner) runHandler(ctx context.Context, handler *Handler, scope *Variables) error {
	for _, nested := range handler.Steps {
		if _, err := r.Run(ctx, nested, scope); err != nil {
			return err
		}
	}
	return nil
}

// executeCommand interpolates the step's templates and dispatches it.
func (r *StepRunner) executeCommand(ctx context.Context, step *Step, scope *Variables) (*commands.Output, error) {
	globals := scope.Snapshot()

	text, err := script.Render(ctx, r.engine, step.CommandText(), globals)
	if err != nil {
		return nil, WrapError(ErrorTypeExecution, fmt.Errorf("failed to render command: %w", err))
	}
	workDir := r.workDir
	if step.WorkDir != "" {
		workDir, err = script.Render(ctx, r.engine, step.WorkDir, globals)
		if err != nil {
			return nil, WrapError(ErrorTypeExecution, fmt.Errorf("failed to render workdir: %w", err))
		}
	}

	env := make(map[string]string, len(r.env)+len(step.Env))
	for k, v := range r.env {
		env[k] = v
	}
	for k, v := range step.Env {
		rendered, err := script.Render(ctx, r.engine, v, globals)
		if err != nil {
			return nil, WrapError(ErrorTypeExecution, fmt.Errorf("failed to render env %q: %w", k, err))
		}
		env[k] = rendered
	}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		defer cancel()
	}

	executor := r.shell
	if step.Kind() == CommandAgent {
		executor = r.agent
	}
	return executor.Dispatch(ctx, commands.Invocation{
		Kind:    string(step.Kind()),
		Text:    text,
		WorkDir: workDir,
		Env:     env,
	})
}

// attemptError builds the classified error for a failed attempt.
func (r *StepRunner) attemptError(step *Step, output *commands.Output, execErr error) error {
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			return &WorkflowError{
				Type:    ErrorTypeTimeout,
				Cause:   fmt.Sprintf("step %q timed out after %s", step.ID, step.Timeout.Std()),
				Wrapped: execErr,
			}
		}
		return ClassifyError(execErr)
	}
	detail := strings.TrimSpace(output.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(output.Stdout)
	}
	err := Errorf(ErrorTypeExecution, "step %q exited with code %d", step.ID, output.ExitCode)
	if detail != "" {
		err.Details = detail
	}
	return err
}

// evalGuard evaluates a boolean guard expression against the variable
// scope. Any failure to compile or evaluate, including an unresolved
// variable reference, makes the guard false; the classified guard error is
// returned alongside so the skipped result can retain the detail.
func (r *StepRunner) evalGuard(ctx context.Context, expression string, scope *Variables) (bool, *WorkflowError) {
	compiled, err := r.engine.Compile(ctx, expression)
	if err != nil {
		r.logger.Debug("guard compile error treated as false",
			"when", expression, "error", err)
		return false, WrapError(ErrorTypeGuard, err)
	}
	value, err := compiled.Evaluate(ctx, scope.Snapshot())
	if err != nil {
		r.logger.Debug("guard evaluation error treated as false",
			"when", expression, "error", err)
		return false, WrapError(ErrorTypeGuard, err)
	}
	return value.IsTruthy(), nil
}
