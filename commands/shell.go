package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ShellExecutor runs shell commands via `sh -c`. Stdout and stderr are
// captured separately; a non-zero exit is reported in the Output rather
// than as an error so failure handling stays with the engine.
type ShellExecutor struct {
	// Shell overrides the shell binary; defaults to "sh"
	Shell string
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}

func (e *ShellExecutor) Dispatch(ctx context.Context, inv Invocation) (*Output, error) {
	if inv.Text == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", inv.Text)
	if inv.WorkDir != "" {
		cmd.Dir = inv.WorkDir
	}
	if len(inv.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range inv.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	output := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		// Distinguish deadline/cancel from ordinary command failure so the
		// engine can classify timeouts.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output.ExitCode = exitErr.ExitCode()
			return output, nil
		}
		return output, fmt.Errorf("failed to launch command: %w", err)
	}
	return output, nil
}
