package flow

import (
	"context"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// Handler executes one node type. The engine resolves a node's handler by
// its type tag.
type Handler interface {

	// Type returns the node type tag this handler serves
	Type() string

	// Execute the handler against items. In per-item mode items holds a
	// single item; in all-items mode it holds the node's whole input. The
	// result is indexed by output.
	Execute(ctx Context, params map[string]any, items []Item) (Outputs, error)
}

// TriggerHandler is implemented by handlers of trigger nodes.
type TriggerHandler interface {
	Handler
	TriggerKind() TriggerKind
}

// ActivationValidator is optionally implemented by trigger handlers to
// check credentials or external resources before a workflow is activated.
type ActivationValidator interface {
	ValidateActivation(ctx context.Context, node *Node) error
}

// BatchHandler is optionally implemented by handlers that always receive
// the node's whole input in one call, whatever its processing mode.
type BatchHandler interface {
	Batch() bool
}

func isBatch(h Handler) bool {
	b, ok := h.(BatchHandler)
	return ok && b.Batch()
}

// ExecuteFunc is the signature of handler functions
type ExecuteFunc func(ctx Context, params map[string]any, items []Item) (Outputs, error)

// HandlerFunction wraps a function for use as a Handler.
type HandlerFunction struct {
	typ string
	fn  ExecuteFunc
}

// NewHandlerFunc returns a Handler for the given function.
func NewHandlerFunc(typ string, fn ExecuteFunc) Handler {
	return &HandlerFunction{typ: typ, fn: fn}
}

// Type of the Handler.
func (h *HandlerFunction) Type() string {
	return h.typ
}

// Execute the Handler.
func (h *HandlerFunction) Execute(ctx Context, params map[string]any, items []Item) (Outputs, error) {
	return h.fn(ctx, params, items)
}

// TypedHandlerFunc returns a Handler that decodes node parameters into
// TParams before calling fn. Parameters are decoded through their JSON
// form, so TParams fields use json tags.
func TypedHandlerFunc[TParams any](typ string, fn func(ctx Context, params TParams, items []Item) (Outputs, error)) Handler {
	return &typedHandlerFunction[TParams]{typ: typ, fn: fn}
}

type typedHandlerFunction[TParams any] struct {
	typ string
	fn  func(ctx Context, params TParams, items []Item) (Outputs, error)
}

func (t *typedHandlerFunction[TParams]) Type() string {
	return t.typ
}

func (t *typedHandlerFunction[TParams]) Execute(ctx Context, params map[string]any, items []Item) (Outputs, error) {
	var typed TParams
	if len(params) > 0 {
		if err := xjson.Clone(params, &typed); err != nil {
			return nil, fmt.Errorf("invalid parameters for %s: %w", t.typ, err)
		}
	}
	return t.fn(ctx, typed, items)
}

// HandlerRegistry maps node type tags to handlers.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry returns a registry holding the given handlers.
func NewHandlerRegistry(handlers ...Handler) (*HandlerRegistry, error) {
	r := &HandlerRegistry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler. Registering the same type twice is an error.
func (r *HandlerRegistry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	if h.Type() == "" {
		return fmt.Errorf("handler type required")
	}
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("handler %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for a node type
func (r *HandlerRegistry) Get(typ string) (Handler, bool) {
	h, ok := r.handlers[typ]
	return h, ok
}

// TriggerKind returns the trigger kind of a node type, if it is a trigger.
func (r *HandlerRegistry) TriggerKind(typ string) (TriggerKind, bool) {
	h, ok := r.handlers[typ].(TriggerHandler)
	if !ok {
		return "", false
	}
	return h.TriggerKind(), true
}

// Types returns the registered type tags in sorted order
func (r *HandlerRegistry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// check confirms every node of wf has a registered handler.
func (r *HandlerRegistry) check(wf *Workflow) error {
	for _, node := range wf.Nodes() {
		if _, ok := r.handlers[node.Type]; !ok {
			return NewValidationError(node.Name, fmt.Sprintf("unknown node type %q", node.Type))
		}
	}
	return nil
}
