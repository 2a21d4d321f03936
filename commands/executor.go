package commands

import (
	"context"
	"time"
)

// Invocation is one resolved command ready to run: the engine has already
// interpolated templates into the text by the time it reaches an executor.
type Invocation struct {
	// Kind is "shell" or "agent"
	Kind string

	// Text is the command line (shell) or prompt (agent)
	Text string

	// WorkDir is the working directory; empty means inherit
	WorkDir string

	// Env holds additional environment variables, merged over the parent
	// environment
	Env map[string]string
}

// Output is the captured result of one invocation.
type Output struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the invocation exited cleanly.
func (o *Output) Success() bool {
	return o.ExitCode == 0
}

// Executor runs one step's underlying action given resolved arguments.
// Implementations must honor context cancellation and deadlines.
type Executor interface {
	Dispatch(ctx context.Context, inv Invocation) (*Output, error)
}
