package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tilth",
		Short:         "Execute YAML-defined workflows",
		Long:          "Tilth runs declarative multi-step workflows, sequentially or as a MapReduce fan-out over work items with checkpointing and dead letter replay.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentFlags().Bool("json-logs", false, "emit logs as JSON")
	root.PersistentFlags().String("state-dir", "", "directory for checkpoints and dead letters (default ~/.tilth)")
	root.PersistentFlags().String("postgres", "", "postgres DSN for checkpoints and dead letters (overrides state-dir)")

	root.AddCommand(runCommand())
	root.AddCommand(resumeCommand())
	root.AddCommand(runsCommand())
	root.AddCommand(dlqCommand())
	return root
}

func fail(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
