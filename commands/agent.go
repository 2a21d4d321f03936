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

// AgentExecutor invokes the AI assistant CLI with a prompt. The assistant is
// treated as any other external command: it is launched as a subprocess, its
// output is captured, and its exit status drives failure handling.
type AgentExecutor struct {
	// Binary is the assistant CLI binary; defaults to "claude"
	Binary string

	// ExtraArgs are passed before the prompt (e.g. output-format flags)
	ExtraArgs []string
}

func NewAgentExecutor() *AgentExecutor {
	return &AgentExecutor{}
}

func (e *AgentExecutor) Dispatch(ctx context.Context, inv Invocation) (*Output, error) {
	if inv.Text == "" {
		return nil, fmt.Errorf("agent prompt cannot be empty")
	}
	binary := e.Binary
	if binary == "" {
		binary = "claude"
	}

	args := append([]string{}, e.ExtraArgs...)
	args = append(args, "-p", inv.Text)

	cmd := exec.CommandContext(ctx, binary, args...)
	if inv.WorkDir != "" {
		cmd.Dir = inv.WorkDir
	}
	cmd.Env = os.Environ()
	for key, value := range inv.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
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
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output.ExitCode = exitErr.ExitCode()
			return output, nil
		}
		return output, fmt.Errorf("failed to launch agent CLI: %w", err)
	}
	return output, nil
}
