package tilth

import (
	"strings"

	"github.com/fatih/color"
)

// Formatter receives human-facing progress output.
type Formatter interface {
	StepStart(stepID string, kind string)
	StepOutput(stepID string, output string)
	StepError(stepID string, err error)
}

// NullFormatter discards all output.
type NullFormatter struct{}

func (NullFormatter) StepStart(string, string) {}
func (NullFormatter) StepOutput(string, string) {}
func (NullFormatter) StepError(string, error)  {}

// ConsoleFormatter prints colorized progress lines to stdout.
type ConsoleFormatter struct {
	// Quiet suppresses step output, leaving only starts and errors
	Quiet bool
}

func NewConsoleFormatter() *ConsoleFormatter {
	return &ConsoleFormatter{}
}

func (f *ConsoleFormatter) StepStart(stepID string, kind string) {
	color.Cyan("▶ %s (%s)", stepID, kind)
}

func (f *ConsoleFormatter) StepOutput(stepID string, output string) {
	if f.Quiet {
		return
	}
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return
	}
	for _, line := range strings.Split(trimmed, "\n") {
		color.White("  %s", line)
	}
}

func (f *ConsoleFormatter) StepError(stepID string, err error) {
	color.Red("✗ %s: %v", stepID, err)
}
