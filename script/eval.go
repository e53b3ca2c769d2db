package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw   string
	parts []string
	codes map[int]Script

	// whole is set when the template is exactly one expression
	whole Script
}

// NewTemplate compiles every expression in raw.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw, codes: map[int]Script{}}
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		expr := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.codes[len(t.parts)] = compiled
		t.parts = append(t.parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(raw) {
		t.whole = t.codes[0]
	}
	return t, nil
}

// IsTemplate reports whether s contains an expression
func IsTemplate(s string) bool {
	return templateExpr.MatchString(s)
}

// Eval renders the template as a string.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	parts := make([]string, len(t.parts))
	copy(parts, t.parts)
	for idx, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		parts[idx] = result.String()
	}
	return strings.Join(parts, ""), nil
}

// Value renders the template, keeping the expression's type when the
// template is a single expression such as "${item.count + 1}".
func (t *Template) Value(ctx context.Context, globals map[string]any) (any, error) {
	if t.whole == nil {
		return t.Eval(ctx, globals)
	}
	result, err := t.whole.Evaluate(ctx, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate template expression: %w", err)
	}
	return result.Value(), nil
}

// EvalBool evaluates code as a condition.
func EvalBool(ctx context.Context, engine Compiler, code string, globals map[string]any) (bool, error) {
	compiled, err := engine.Compile(ctx, code)
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", code, err)
	}
	result, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return false, err
	}
	return result.IsTruthy(), nil
}

// Render replaces templates in strings nested anywhere inside value.
func Render(ctx context.Context, engine Compiler, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !IsTemplate(v) {
			return v, nil
		}
		t, err := NewTemplate(engine, v)
		if err != nil {
			return nil, err
		}
		return t.Value(ctx, globals)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			rendered, err := Render(ctx, engine, inner, globals)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			rendered, err := Render(ctx, engine, inner, globals)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}
