package script

import (
	"context"
)

// Value is the result of a script evaluation.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script is a compiled expression that can be evaluated with globals.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script. Guard expressions and
// command templates both go through this interface.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// Engine returns the named compiler: "risor" (default) or "expr".
// Unknown names fall back to risor.
func Engine(name string) Compiler {
	switch name {
	case "expr":
		return NewExprCompiler()
	default:
		return NewRisorCompiler(DefaultRisorGlobals())
	}
}
