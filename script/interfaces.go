package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {

	// Value returns the result converted to plain Go types
	Value() any

	// String returns the result formatted for string interpolation
	String() string

	// IsTruthy reports whether the result counts as true in a condition
	IsTruthy() bool
}

// Script is a compiled expression or program.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script. Only names the compiler was
// configured with may be referenced as globals.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
