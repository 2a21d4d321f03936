package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/greenling-ai/tilth"
	"github.com/spf13/cobra"
)

func dlqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered work items",
	}
	cmd.AddCommand(dlqListCommand())
	cmd.AddCommand(dlqReplayCommand())
	return cmd
}

func dlqListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List dead letters for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			entries, err := rt.deadLetters.List(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				color.Blue("No dead letters for run %s", args[0])
				return nil
			}

			if asJSON {
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			color.Blue("%d dead letters for run %s:", len(entries), args[0])
			for _, entry := range entries {
				color.White("  [%d] %s", entry.ItemIndex, entry.ItemID)
				fmt.Printf("      attempts: %d  error: %s  reason: %s\n",
					entry.Attempts, entry.ErrorType, entry.Reason)
				if !entry.LastAttempt.IsZero() {
					fmt.Printf("      last attempt: %s\n", entry.LastAttempt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output entries as JSON")
	return cmd
}

func dlqReplayCommand() *cobra.Command {
	var (
		inputs  []string
		workDir string
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "replay <run-id> <workflow.yaml>",
		Short: "Re-execute a run's dead-lettered items",
		Long:  "Replays the dead letters of a previous run through the workflow's map phase. Items that succeed are removed from the dead letter store; items that fail again stay.",
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

			color.Green("Replaying dead letters of run %s as run %s", args[0], execution.ID())
			start := time.Now()
			result, runErr := execution.ReplayDeadLetters(ctx, args[0])
			if result != nil {
				color.White("Replayed %d items in %v: %d recovered, %d failed again",
					result.Total, time.Since(start).Round(time.Millisecond),
					result.Successful, result.Failed)
			}
			if runErr != nil {
				color.Red("Replay failed: %v", runErr)
			}
			return runErr
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for setup steps")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress step output")
	return cmd
}
