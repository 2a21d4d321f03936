package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles expressions with the Risor scripting engine. A set
// of base globals is fixed at construction; evaluation-time globals are
// merged over them.
type RisorCompiler struct {
	globals map[string]any
}

func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	return &RisorCompiler{globals: globals}
}

func (e *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	// Syntax is checked up front; the final compile happens per evaluation
	// because the evaluation globals contribute to the global name set.
	if _, err := parser.Parse(ctx, code); err != nil {
		return nil, err
	}
	return &risorScript{engine: e, source: code}, nil
}

type risorScript struct {
	engine *RisorCompiler
	source string
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	globalNames := make([]string, 0, len(combined))
	for name := range combined {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	ast, err := parser.Parse(ctx, s.source)
	if err != nil {
		return nil, err
	}
	code, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	value, err := risor.EvalCode(ctx, code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &risorValue{obj: value}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return convertRisorObject(v.obj)
}

func (v *risorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	default:
		return obj.IsTruthy()
	}
}

func (v *risorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case fmt.Stringer:
		return o.String()
	default:
		return fmt.Sprintf("%v", v.obj)
	}
}

// convertRisorObject converts a Risor object to a plain Go value.
func convertRisorObject(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, convertRisorObject(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, value := range o.Value() {
			result[key] = convertRisorObject(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}

// DefaultRisorGlobals returns the builtin function set made available to
// all compiled expressions.
func DefaultRisorGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	return globals
}
