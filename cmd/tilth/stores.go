package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/greenling-ai/tilth"
	"github.com/spf13/cobra"
)

// runtime holds the wiring shared by every subcommand: the logger and the
// durable stores selected by the persistent flags.
type runtime struct {
	logger       *slog.Logger
	checkpointer tilth.Checkpointer
	deadLetters  tilth.DeadLetterStore
	close        func() error
}

func newRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	dsn, _ := cmd.Flags().GetString("postgres")

	var logger *slog.Logger
	switch {
	case jsonLogs:
		logger = tilth.NewJSONLogger()
	case verbose:
		logger = tilth.NewVerboseLogger()
	default:
		logger = tilth.NewLogger()
	}

	rt := &runtime{logger: logger, close: func() error { return nil }}

	if dsn != "" {
		store, err := tilth.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		rt.checkpointer = store
		rt.deadLetters = store
		rt.close = store.Close
		return rt, nil
	}

	runsDir, dlqDir := "", ""
	if stateDir != "" {
		runsDir = filepath.Join(stateDir, "runs")
		dlqDir = filepath.Join(stateDir, "dlq")
	}
	checkpointer, err := tilth.NewFileCheckpointer(runsDir)
	if err != nil {
		return nil, err
	}
	deadLetters, err := tilth.NewFileDeadLetterStore(dlqDir)
	if err != nil {
		return nil, err
	}
	rt.checkpointer = checkpointer
	rt.deadLetters = deadLetters
	return rt, nil
}
