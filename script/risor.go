package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Names bound for every node expression. Values are supplied per
// evaluation; a nil value is used when the caller leaves one out.
var ItemGlobals = []string{"item", "index", "items", "node", "execution", "params"}

// RisorEngine compiles Risor expressions. Compiled code is cached by
// source, so a condition shared by many items compiles once.
type RisorEngine struct {
	globals map[string]any
	names   []string

	mutex sync.Mutex
	cache map[string]*compiler.Code
}

// NewRisorEngine returns an engine exposing globals plus the per-item names
// in ItemGlobals.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	combined := make(map[string]any, len(globals)+len(ItemGlobals))
	for _, name := range ItemGlobals {
		combined[name] = nil
	}
	for name, value := range globals {
		combined[name] = value
	}
	names := make([]string, 0, len(combined))
	for name := range combined {
		names = append(names, name)
	}
	sort.Strings(names)
	return &RisorEngine{globals: combined, names: names, cache: map[string]*compiler.Code{}}
}

// Compile parses and compiles code.
func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	e.mutex.Lock()
	cached, ok := e.cache[code]
	e.mutex.Unlock()
	if ok {
		return &risorScript{engine: e, code: cached}, nil
	}

	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(e.names))
	if err != nil {
		return nil, err
	}
	e.mutex.Lock()
	e.cache[code] = compiled
	e.mutex.Unlock()
	return &risorScript{engine: e, code: compiled}, nil
}

type risorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		if _, known := combined[name]; known {
			combined[name] = value
		}
	}
	for name, value := range combined {
		if value == nil {
			combined[name] = object.Nil
		}
	}
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &risorValue{obj: result}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return ToGo(v.obj)
}

func (v *risorValue) IsTruthy() bool {
	return Truthy(v.obj)
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
	case *object.List:
		parts := make([]string, 0, len(o.Value()))
		for _, item := range o.Value() {
			parts = append(parts, (&risorValue{obj: item}).String())
		}
		return strings.Join(parts, ", ")
	default:
		return o.Inspect()
	}
}

// DefaultGlobals returns the deterministic Risor builtins and modules.
func DefaultGlobals() map[string]any {
	safe := SafeBuiltins()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	return globals
}
