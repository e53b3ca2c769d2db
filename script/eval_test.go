package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:    "string with single template variable",
			input:   "Hello ${item.name}",
			globals: map[string]any{"item": map[string]any{"name": "Alice"}},
			want:    "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${item.greeting} ${item.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"item": map[string]any{"greeting": "Hello", "name": "Bob"},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "string with nested expressions",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:    "invalid expression inside template",
			input:   "Hello ${1 +}",
			wantErr: true,
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	engine := NewRisorEngine(DefaultGlobals())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(engine, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateValue(t *testing.T) {
	engine := NewRisorEngine(DefaultGlobals())
	ctx := context.Background()

	t.Run("single expression keeps its type", func(t *testing.T) {
		tmpl, err := NewTemplate(engine, "${index + 1}")
		require.NoError(t, err)
		got, err := tmpl.Value(ctx, map[string]any{"index": 2})
		require.NoError(t, err)
		require.Equal(t, int64(3), got)
	})

	t.Run("mixed text renders a string", func(t *testing.T) {
		tmpl, err := NewTemplate(engine, "n=${index}")
		require.NoError(t, err)
		got, err := tmpl.Value(ctx, map[string]any{"index": 2})
		require.NoError(t, err)
		require.Equal(t, "n=2", got)
	})
}

func TestEvalBool(t *testing.T) {
	engine := NewRisorEngine(DefaultGlobals())
	ctx := context.Background()

	ok, err := EvalBool(ctx, engine, `item.status == "active"`, map[string]any{
		"item": map[string]any{"status": "active"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvalBool(ctx, engine, `item.count > 10`, map[string]any{
		"item": map[string]any{"count": 3},
	})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = EvalBool(ctx, engine, `item.count >`, nil)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	engine := NewRisorEngine(DefaultGlobals())
	out, err := Render(context.Background(), engine, map[string]any{
		"greeting": "hi ${item.name}",
		"nested":   []any{"${len(items)}", 5},
		"plain":    "unchanged",
	}, map[string]any{
		"item":  map[string]any{"name": "ada"},
		"items": []any{1, 2, 3},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"greeting": "hi ada",
		"nested":   []any{int64(3), 5},
		"plain":    "unchanged",
	}, out)
}

func TestTruthyValue(t *testing.T) {
	require.False(t, TruthyValue(nil))
	require.False(t, TruthyValue("false"))
	require.False(t, TruthyValue(0.0))
	require.True(t, TruthyValue("yes"))
	require.True(t, TruthyValue(map[string]any{"a": 1}))
}
