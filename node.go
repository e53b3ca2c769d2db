package flow

import (
	"fmt"
	"time"
)

// OnError selects what happens when a node's attempts are exhausted.
type OnError string

const (
	OnErrorStop                OnError = "stop"
	OnErrorContinueNormal      OnError = "continueNormal"
	OnErrorContinueErrorOutput OnError = "continueErrorOutput"
)

// RetryOn selects which handler errors a retrying node retries.
type RetryOn string

const (
	// RetryOnAny retries every error not marked non-recoverable.
	RetryOnAny RetryOn = "any"

	// RetryOnTransient retries only errors that look transient: marked
	// recoverable, timeouts and network failures.
	RetryOnTransient RetryOn = "transient"
)

// ProcessingMode selects how a node's handler receives its input.
type ProcessingMode string

const (
	// PerItem invokes the handler once for each input item.
	PerItem ProcessingMode = "perItem"

	// AllItemsOnce invokes the handler once with the whole collection.
	AllItemsOnce ProcessingMode = "allItemsOnce"
)

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Node is one typed step in a workflow graph. Its name is its identity
// within the workflow.
type Node struct {
	Name           string         `json:"name" yaml:"name"`
	Type           string         `json:"type" yaml:"type"`
	Parameters     map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RetryOnFail    bool           `json:"retryOnFail,omitempty" yaml:"retryOnFail,omitempty"`
	MaxAttempts    int            `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	RetryDelay     Duration       `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`

	// RetryBackoff multiplies the delay after each failed attempt, capped
	// by RetryMaxDelay. Values up to one keep the delay fixed.
	RetryBackoff  float64  `json:"retryBackoff,omitempty" yaml:"retryBackoff,omitempty"`
	RetryMaxDelay Duration `json:"retryMaxDelay,omitempty" yaml:"retryMaxDelay,omitempty"`
	RetryOn       RetryOn  `json:"retryOn,omitempty" yaml:"retryOn,omitempty"`

	OnError        OnError        `json:"onError,omitempty" yaml:"onError,omitempty"`
	ProcessingMode ProcessingMode `json:"processingMode,omitempty" yaml:"processingMode,omitempty"`
	Disabled       bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Attempts returns the number of times the handler may be invoked.
func (n *Node) Attempts() int {
	if !n.RetryOnFail || n.MaxAttempts < 1 {
		return 1
	}
	return n.MaxAttempts
}

// RetryPolicy returns the node's RetryOn setting, defaulting to any.
func (n *Node) RetryPolicy() RetryOn {
	if n.RetryOn == "" {
		return RetryOnAny
	}
	return n.RetryOn
}

// ErrorPolicy returns the node's OnError setting, defaulting to stop.
func (n *Node) ErrorPolicy() OnError {
	if n.OnError == "" {
		return OnErrorStop
	}
	return n.OnError
}

// Mode returns the node's processing mode, defaulting to per-item.
func (n *Node) Mode() ProcessingMode {
	if n.ProcessingMode == "" {
		return PerItem
	}
	return n.ProcessingMode
}

func (n *Node) validate() error {
	if n.Name == "" {
		return fmt.Errorf("node name required")
	}
	if n.Type == "" {
		return fmt.Errorf("node %q: type required", n.Name)
	}
	switch n.ErrorPolicy() {
	case OnErrorStop, OnErrorContinueNormal, OnErrorContinueErrorOutput:
	default:
		return fmt.Errorf("node %q: invalid onError %q", n.Name, n.OnError)
	}
	switch n.Mode() {
	case PerItem, AllItemsOnce:
	default:
		return fmt.Errorf("node %q: invalid processingMode %q", n.Name, n.ProcessingMode)
	}
	if n.MaxAttempts < 0 {
		return fmt.Errorf("node %q: maxAttempts must not be negative", n.Name)
	}
	if n.RetryDelay < 0 || n.RetryMaxDelay < 0 {
		return fmt.Errorf("node %q: retry delays must not be negative", n.Name)
	}
	if n.RetryBackoff < 0 {
		return fmt.Errorf("node %q: retryBackoff must not be negative", n.Name)
	}
	switch n.RetryPolicy() {
	case RetryOnAny, RetryOnTransient:
	default:
		return fmt.Errorf("node %q: invalid retryOn %q", n.Name, n.RetryOn)
	}
	return nil
}
