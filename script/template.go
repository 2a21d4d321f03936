package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExprPattern = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions, compiled once and
// evaluated against a set of globals. A string with no expressions
// evaluates to itself.
type Template struct {
	raw   string
	parts []string
	codes []Script
}

// NewTemplate compiles the ${...} expressions in raw using the given
// compiler.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	// Validate that all ${...} expressions are properly closed
	openCount := strings.Count(raw, "${")
	closeCount := strings.Count(raw, "}")
	if openCount > closeCount {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	if openCount == 0 {
		return t, nil
	}

	matches := templateExprPattern.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	var parts []string
	var codes []Script
	for _, match := range matches {
		if match[0] > lastEnd {
			parts = append(parts, raw[lastEnd:match[0]])
		}
		code := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", code, err)
		}
		codes = append(codes, compiled)
		parts = append(parts, "") // placeholder for the evaluated result
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		parts = append(parts, raw[lastEnd:])
	}

	t.parts = parts
	t.codes = codes
	return t, nil
}

// Eval evaluates the template against the given globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}

	parts := make([]string, len(t.parts))
	copy(parts, t.parts)

	next := 0
	for _, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		for j := next; j < len(parts); j++ {
			if parts[j] == "" {
				parts[j] = result.String()
				next = j + 1
				break
			}
		}
	}
	return strings.Join(parts, ""), nil
}

// Render is a convenience that compiles and evaluates raw in one call.
func Render(ctx context.Context, engine Compiler, raw string, globals map[string]any) (string, error) {
	t, err := NewTemplate(engine, raw)
	if err != nil {
		return "", err
	}
	return t.Eval(ctx, globals)
}
