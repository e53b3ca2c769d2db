package nodes

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flow"
)

// Wait suspends the execution. Parameters:
//
//	mode: delay (default), until or callback
//	duration: for delay, a Go duration string or seconds; zero resumes
//	          on the next timer tick
//	until: for until, an RFC 3339 timestamp
//
// A callback wait logs its resume token; the token is also stored on the
// execution record while it waits.
type Wait struct{}

func NewWait() *Wait { return &Wait{} }

func (w *Wait) Type() string { return TypeWait }

func (w *Wait) Batch() bool { return true }

func (w *Wait) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	mode, _ := params["mode"].(string)
	switch mode {
	case "", string(flow.WaitDelay):
		d, ok := parseDuration(params["duration"])
		if !ok || d < 0 {
			return nil, fmt.Errorf("wait: invalid duration %v", params["duration"])
		}
		return nil, flow.Suspend(flow.ResumeAfter(d))

	case string(flow.WaitUntil):
		raw, _ := params["until"].(string)
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("wait: invalid until %q: %w", raw, err)
		}
		return nil, flow.Suspend(flow.ResumeAt(at))

	case string(flow.WaitCallback):
		ctx.Logger().Info("waiting for callback", "resume_token", ctx.ResumeToken())
		return nil, flow.Suspend(flow.ResumeOnCallback())

	default:
		return nil, fmt.Errorf("wait: unknown mode %q", mode)
	}
}
