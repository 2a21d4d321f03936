package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func runsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage checkpointed runs",
	}
	cmd.AddCommand(runsListCommand())
	cmd.AddCommand(runsDeleteCommand())
	return cmd
}

func runsListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpointed runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			summaries, err := rt.checkpointer.ListRuns(ctx)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				color.Blue("No checkpointed runs")
				return nil
			}

			if asJSON {
				data, err := json.MarshalIndent(summaries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, s := range summaries {
				line := fmt.Sprintf("%s  %-10s  %s  %s",
					s.RunID, s.Status, s.StartTime.Format(time.RFC3339), s.WorkflowName)
				switch s.Status {
				case "completed":
					color.Green("%s", line)
				case "failed":
					color.Red("%s", line)
				default:
					color.Yellow("%s", line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output summaries as JSON")
	return cmd
}

func runsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run's checkpoint and dead letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.checkpointer.DeleteCheckpoint(ctx, args[0]); err != nil {
				return err
			}
			color.Green("Deleted run %s", args[0])
			return nil
		},
	}
}
