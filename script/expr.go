package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// ExprCompiler compiles expressions with expr-lang/expr. Syntax is checked
// up front; the final compile happens per evaluation against the evaluation
// globals, so that variables always shadow the expr builtin functions of the
// same name (map, count, filter). Compiled programs are cached keyed by the
// expression plus the global names it was compiled against, and reused
// across goroutines.
type ExprCompiler struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprCompiler() *ExprCompiler {
	return &ExprCompiler{cache: map[string]*vm.Program{}}
}

func (e *ExprCompiler) Compile(ctx context.Context, code string) (Script, error) {
	if _, err := parser.Parse(code); err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}
	return &exprScript{engine: e, source: code}, nil
}

func (e *ExprCompiler) getOrCompile(code string, env map[string]any) (*vm.Program, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	key := code + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	program, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.cache[key]; ok {
		return program, nil
	}
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}
	e.cache[key] = program
	return program, nil
}

type exprScript struct {
	engine *ExprCompiler
	source string
}

func (s *exprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	env := globals
	if env == nil {
		env = map[string]any{}
	}
	program, err := s.engine.getOrCompile(s.source, env)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return exprValue{value: out}, nil
}

type exprValue struct {
	value any
}

func (v exprValue) Value() any {
	return v.value
}

func (v exprValue) IsTruthy() bool {
	switch val := v.value.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != "" && strings.ToLower(val) != "false"
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func (v exprValue) String() string {
	if v.value == nil {
		return ""
	}
	return fmt.Sprintf("%v", v.value)
}
