package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine compiles expressions in the expr language. It is a lighter
// alternative to RisorEngine for workflows that only need conditions and
// templates. Programs are cached by source.
type ExprEngine struct {
	globals map[string]any

	mutex sync.Mutex
	cache map[string]*vm.Program
}

// NewExprEngine returns an engine exposing globals plus the per-item names
// in ItemGlobals.
func NewExprEngine(globals map[string]any) *ExprEngine {
	combined := make(map[string]any, len(globals)+len(ItemGlobals))
	for _, name := range ItemGlobals {
		combined[name] = itemGlobalShape(name)
	}
	for name, value := range globals {
		combined[name] = value
	}
	return &ExprEngine{globals: combined, cache: map[string]*vm.Program{}}
}

// Compile type-checks code against the engine's global names.
func (e *ExprEngine) Compile(ctx context.Context, code string) (Script, error) {
	e.mutex.Lock()
	program, ok := e.cache[code]
	e.mutex.Unlock()
	if ok {
		return &exprScript{engine: e, program: program}, nil
	}
	program, err := expr.Compile(code, expr.Env(e.globals))
	if err != nil {
		return nil, err
	}
	e.mutex.Lock()
	e.cache[code] = program
	e.mutex.Unlock()
	return &exprScript{engine: e, program: program}, nil
}

// itemGlobalShape is the value expr type-checks a per-item global
// against. Maps leave their fields untyped.
func itemGlobalShape(name string) any {
	switch name {
	case "index":
		return 0
	case "items":
		return []any{}
	default:
		return map[string]any{}
	}
}

type exprScript struct {
	engine  *ExprEngine
	program *vm.Program
}

func (s *exprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	env := make(map[string]any, len(s.engine.globals))
	for name, value := range s.engine.globals {
		env[name] = value
	}
	for name, value := range globals {
		if _, known := env[name]; known {
			env[name] = value
		}
	}
	result, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return exprValue{value: result}, nil
}

type exprValue struct {
	value any
}

func (v exprValue) Value() any { return v.value }

func (v exprValue) IsTruthy() bool { return TruthyValue(v.value) }

func (v exprValue) String() string {
	switch val := v.value.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%g", val)
	case time.Time:
		return val.Format(time.RFC3339)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, exprValue{value: item}.String())
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}
