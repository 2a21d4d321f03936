package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/greenling-ai/tilth"
	"github.com/spf13/cobra"
)

func runCommand() *cobra.Command {
	var (
		inputs   []string
		timeout  time.Duration
		parallel int
		workDir  string
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			wf, err := loadWorkflow(args[0], parallel)
			if err != nil {
				return err
			}
			parsedInputs, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			execution, err := tilth.NewExecution(tilth.ExecutionOptions{
				Workflow:     wf,
				Inputs:       parsedInputs,
				Checkpointer: rt.checkpointer,
				DeadLetters:  rt.deadLetters,
				WorkDir:      workDir,
				Logger:       rt.logger,
				Formatter:    &tilth.ConsoleFormatter{Quiet: quiet},
			})
			if err != nil {
				return err
			}

			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			color.Green("Starting run %s (%s)", execution.ID(), wf.Name)
			start := time.Now()
			runErr := execution.Run(ctx)
			showResult(execution, runErr, time.Since(start))
			return runErr
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input parameter as key=value (repeatable)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "overall execution timeout")
	cmd.Flags().IntVar(&parallel, "max-parallel", 0, "override map phase max_parallel")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for sequential, setup, and reduce steps")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress step output")
	return cmd
}

func resumeCommand() *cobra.Command {
	var (
		inputs  []string
		workDir string
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id> <workflow.yaml>",
		Short: "Resume a checkpointed run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			wf, err := loadWorkflow(args[1], 0)
			if err != nil {
				return err
			}
			parsedInputs, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			execution, err := tilth.NewExecution(tilth.ExecutionOptions{
				Workflow:     wf,
				Inputs:       parsedInputs,
				Checkpointer: rt.checkpointer,
				DeadLetters:  rt.deadLetters,
				WorkDir:      workDir,
				Logger:       rt.logger,
				Formatter:    &tilth.ConsoleFormatter{Quiet: quiet},
			})
			if err != nil {
				return err
			}

			color.Green("Resuming run %s (%s)", args[0], wf.Name)
			start := time.Now()
			runErr := execution.Resume(ctx, args[0])
			showResult(execution, runErr, time.Since(start))
			return runErr
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for sequential, setup, and reduce steps")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress step output")
	return cmd
}

// signalContext cancels on SIGINT or SIGTERM so in-flight agents drain and
// the final checkpoint lands before exit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadWorkflow(path string, maxParallel int) (*tilth.Workflow, error) {
	wf, err := tilth.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if maxParallel > 0 && wf.Map != nil {
		wf.Map.MaxParallel = maxParallel
	}
	return wf, nil
}

// parseInputs parses key=value pairs. Values parse as JSON when possible,
// falling back to plain strings.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fail("invalid input %q, expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

func showResult(execution *tilth.Execution, err error, duration time.Duration) {
	state := execution.State()
	color.White("Run %s finished in %v", execution.ID(), duration.Round(time.Millisecond))

	if result := execution.MapResult(); result != nil {
		color.White("Items: %d total, %d successful, %d failed, %d skipped",
			result.Total, result.Successful, result.Failed, result.Skipped)
		if len(result.DeadLetters) > 0 {
			color.Yellow("Dead letters: %d (replay with: tilth dlq replay %s <workflow.yaml>)",
				len(result.DeadLetters), execution.ID())
		}
	}

	if err != nil {
		color.Red("Status: %s (%v)", state.Status, err)
		return
	}
	color.Green("Status: %s", state.Status)
}
