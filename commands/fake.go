package commands

import (
	"context"
	"sync"
)

// FakeResult scripts one dispatch outcome for a FakeExecutor.
type FakeResult struct {
	Output *Output
	Err    error
}

// FakeExecutor returns scripted outcomes in order, recording every
// invocation. Once the script is exhausted it keeps returning the last
// outcome. Intended for tests.
type FakeExecutor struct {
	mu      sync.Mutex
	script  []FakeResult
	Calls   []Invocation
	Default FakeResult
}

func NewFakeExecutor(results ...FakeResult) *FakeExecutor {
	return &FakeExecutor{
		script:  results,
		Default: FakeResult{Output: &Output{ExitCode: 0, Stdout: "ok"}},
	}
}

// Succeed returns a scripted successful outcome.
func Succeed(stdout string) FakeResult {
	return FakeResult{Output: &Output{ExitCode: 0, Stdout: stdout}}
}

// Fail returns a scripted non-zero exit outcome.
func Fail(code int, stderr string) FakeResult {
	return FakeResult{Output: &Output{ExitCode: code, Stderr: stderr}}
}

func (e *FakeExecutor) Dispatch(ctx context.Context, inv Invocation) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, inv)
	idx := len(e.Calls) - 1
	if idx < len(e.script) {
		return e.script[idx].Output, e.script[idx].Err
	}
	if len(e.script) > 0 {
		last := e.script[len(e.script)-1]
		return last.Output, last.Err
	}
	return e.Default.Output, e.Default.Err
}

// CallCount returns the number of dispatches so far.
func (e *FakeExecutor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}
