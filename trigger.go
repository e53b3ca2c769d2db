package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// TriggerKind identifies the mechanism that starts executions from a
// trigger node.
type TriggerKind string

const (
	TriggerManual      TriggerKind = "manual"
	TriggerWebhook     TriggerKind = "webhook"
	TriggerSchedule    TriggerKind = "schedule"
	TriggerEvent       TriggerKind = "event"
	TriggerSubWorkflow TriggerKind = "subWorkflow"
	TriggerLifecycle   TriggerKind = "lifecycle"
	TriggerError       TriggerKind = "error"
)

// passive reports whether the kind registers no listener on activation.
func (k TriggerKind) passive() bool {
	switch k {
	case TriggerManual, TriggerSubWorkflow, TriggerError:
		return true
	}
	return false
}

// Trigger node parameters read by the registry.
const (
	ParamWebhookPath   = "path"
	ParamWebhookMethod = "method"
	ParamCron          = "cron"
	ParamEvent         = "event"
	ParamLifecycle     = "events"
)

// LifecycleEventKind is the kind of a workflow lifecycle notification
type LifecycleEventKind string

const (
	LifecycleActivated   LifecycleEventKind = "activated"
	LifecycleDeactivated LifecycleEventKind = "deactivated"
	LifecycleUpdated     LifecycleEventKind = "updated"
)

// FireFunc starts a production execution of wf from the named trigger node.
type FireFunc func(ctx context.Context, wf *Workflow, node string, kind TriggerKind, items []Item) (string, error)

// cronParser supports standard 5-field cron, descriptors like "@every 30s",
// and a CRON_TZ= prefix.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron rule in the given IANA timezone.
func ParseSchedule(rule, timezone string) (cronlib.Schedule, error) {
	if timezone != "" && !strings.HasPrefix(rule, "CRON_TZ=") && !strings.HasPrefix(rule, "TZ=") {
		rule = "CRON_TZ=" + timezone + " " + rule
	}
	return cronParser.Parse(rule)
}

// TriggerRegistryOptions configure a TriggerRegistry.
type TriggerRegistryOptions struct {
	Handlers *HandlerRegistry
	Fire     FireFunc
	Logger   *slog.Logger
}

type listener struct {
	workflow *Workflow
	node     string
	kind     TriggerKind
	filter   map[string]bool
}

type activation struct {
	workflow  *Workflow
	webhooks  []string
	cronIDs   []cronlib.EntryID
	events    []string
	lifecycle int
}

// TriggerRegistry tracks activated workflows and the listeners their
// trigger nodes registered. It is an explicitly constructed service; tests
// create isolated registries.
type TriggerRegistry struct {
	handlers *HandlerRegistry
	fire     FireFunc
	logger   *slog.Logger
	cron     *cronlib.Cron

	mutex     sync.Mutex
	active    map[string]*activation
	webhooks  map[string]*listener
	events    map[string][]*listener
	lifecycle []*listener
	running   bool
}

// NewTriggerRegistry returns an empty registry.
func NewTriggerRegistry(opts TriggerRegistryOptions) (*TriggerRegistry, error) {
	if opts.Handlers == nil {
		return nil, fmt.Errorf("handler registry is required")
	}
	if opts.Fire == nil {
		return nil, fmt.Errorf("fire function is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &TriggerRegistry{
		handlers: opts.Handlers,
		fire:     opts.Fire,
		logger:   opts.Logger,
		cron:     cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC)),
		active:   map[string]*activation{},
		webhooks: map[string]*listener{},
		events:   map[string][]*listener{},
	}, nil
}

// Start begins firing schedule triggers.
func (r *TriggerRegistry) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.running {
		r.cron.Start()
		r.running = true
	}
}

// Stop halts schedule triggers and waits for running jobs to return.
func (r *TriggerRegistry) Stop() {
	r.mutex.Lock()
	if !r.running {
		r.mutex.Unlock()
		return
	}
	r.running = false
	r.mutex.Unlock()
	<-r.cron.Stop().Done()
}

type plannedListener struct {
	listener *listener
	route    string
	schedule cronlib.Schedule
	event    string
}

// Activate registers one listener per non-passive trigger node of wf. It
// fails with a *ValidationError when wf has no non-manual trigger, a trigger
// handler rejects activation, a webhook route is owned by another workflow,
// or a schedule rule does not parse. Activating an active workflow replaces
// its listeners and notifies lifecycle listeners of an update instead of
// an activation; schedule rules are parsed here and nowhere else.
func (r *TriggerRegistry) Activate(ctx context.Context, wf *Workflow) error {
	if err := r.handlers.check(wf); err != nil {
		return err
	}

	var plans []plannedListener
	qualifying := false
	for _, node := range wf.Nodes() {
		kind, ok := r.handlers.TriggerKind(node.Type)
		if !ok || node.Disabled {
			continue
		}
		if kind != TriggerManual {
			qualifying = true
		}
		handler, _ := r.handlers.Get(node.Type)
		if v, ok := handler.(ActivationValidator); ok {
			if err := v.ValidateActivation(ctx, node); err != nil {
				return NewValidationError(node.Name, fmt.Sprintf("activation check failed: %v", err))
			}
		}
		if kind.passive() {
			continue
		}
		l := &listener{workflow: wf, node: node.Name, kind: kind}
		plan := plannedListener{listener: l}
		switch kind {
		case TriggerWebhook:
			route, err := webhookRoute(node)
			if err != nil {
				return err
			}
			plan.route = route
		case TriggerSchedule:
			rule := paramString(node.Parameters, ParamCron)
			if rule == "" {
				return NewValidationError(node.Name, "schedule trigger requires a cron rule")
			}
			schedule, err := ParseSchedule(rule, wf.Settings().Timezone)
			if err != nil {
				return NewValidationError(node.Name, fmt.Sprintf("invalid cron rule %q: %v", rule, err))
			}
			plan.schedule = schedule
		case TriggerEvent:
			plan.event = paramString(node.Parameters, ParamEvent)
			if plan.event == "" {
				return NewValidationError(node.Name, "event trigger requires an event name")
			}
		case TriggerLifecycle:
			l.filter = paramStringSet(node.Parameters, ParamLifecycle)
		default:
			return NewValidationError(node.Name, fmt.Sprintf("unsupported trigger kind %q", kind))
		}
		plans = append(plans, plan)
	}
	if !qualifying {
		return NewValidationError("", "workflow has no trigger node other than manual and cannot be activated")
	}

	r.mutex.Lock()
	for _, plan := range plans {
		if plan.route == "" {
			continue
		}
		if owner, taken := r.webhooks[plan.route]; taken && owner.workflow.ID() != wf.ID() {
			r.mutex.Unlock()
			return NewValidationError(plan.listener.node,
				fmt.Sprintf("webhook %s is already registered by workflow %s", plan.route, owner.workflow.ID()))
		}
	}
	_, replaced := r.active[wf.ID()]
	r.removeLocked(wf.ID())

	act := &activation{workflow: wf}
	for _, plan := range plans {
		l := plan.listener
		switch l.kind {
		case TriggerWebhook:
			r.webhooks[plan.route] = l
			act.webhooks = append(act.webhooks, plan.route)
		case TriggerSchedule:
			id := r.cron.Schedule(plan.schedule, cronlib.FuncJob(func() { r.fireScheduled(l) }))
			act.cronIDs = append(act.cronIDs, id)
		case TriggerEvent:
			r.events[plan.event] = append(r.events[plan.event], l)
			act.events = append(act.events, plan.event)
		case TriggerLifecycle:
			r.lifecycle = append(r.lifecycle, l)
			act.lifecycle++
		}
	}
	r.active[wf.ID()] = act
	r.mutex.Unlock()

	if replaced {
		r.logger.Info("workflow listeners replaced", "workflow_id", wf.ID(), "listeners", len(plans))
		r.emit(ctx, LifecycleUpdated, wf)
		return nil
	}
	r.logger.Info("workflow activated", "workflow_id", wf.ID(), "listeners", len(plans))
	r.emit(ctx, LifecycleActivated, wf)
	return nil
}

// Deactivate unregisters every listener of the workflow. Deactivating an
// inactive workflow does nothing.
func (r *TriggerRegistry) Deactivate(ctx context.Context, workflowID string) {
	r.mutex.Lock()
	act, ok := r.active[workflowID]
	if ok {
		r.removeLocked(workflowID)
	}
	r.mutex.Unlock()
	if !ok {
		return
	}
	r.logger.Info("workflow deactivated", "workflow_id", workflowID)
	r.emit(ctx, LifecycleDeactivated, act.workflow)
}

// NotifyUpdated tells lifecycle listeners that wf was saved.
func (r *TriggerRegistry) NotifyUpdated(ctx context.Context, wf *Workflow) {
	r.emit(ctx, LifecycleUpdated, wf)
}

// IsActive reports whether the workflow has registered listeners
func (r *TriggerRegistry) IsActive(workflowID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.active[workflowID]
	return ok
}

// ActiveWorkflows returns the IDs of activated workflows
func (r *TriggerRegistry) ActiveWorkflows() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ids := make(map[string]bool, len(r.active))
	for id := range r.active {
		ids[id] = true
	}
	return sortedKeys(ids)
}

// HandleWebhook starts an execution from the workflow listening on the
// route. It returns ErrNotFound when no workflow listens there.
func (r *TriggerRegistry) HandleWebhook(ctx context.Context, method, path string, items []Item) (string, error) {
	route := routeKey(method, path)
	r.mutex.Lock()
	l, ok := r.webhooks[route]
	r.mutex.Unlock()
	if !ok {
		return "", fmt.Errorf("webhook %s: %w", route, ErrNotFound)
	}
	return r.fire(ctx, l.workflow, l.node, l.kind, items)
}

// Publish delivers an external event to every subscribed trigger and
// returns the started execution IDs.
func (r *TriggerRegistry) Publish(ctx context.Context, event string, items []Item) ([]string, error) {
	r.mutex.Lock()
	listeners := append([]*listener(nil), r.events[event]...)
	r.mutex.Unlock()

	var ids []string
	for _, l := range listeners {
		id, err := r.fire(ctx, l.workflow, l.node, l.kind, cloneItems(items))
		if err != nil {
			return ids, fmt.Errorf("failed to start workflow %s: %w", l.workflow.ID(), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NextRuns returns the next fire time of each schedule entry.
func (r *TriggerRegistry) NextRuns(workflowID string) []time.Time {
	r.mutex.Lock()
	act, ok := r.active[workflowID]
	r.mutex.Unlock()
	if !ok {
		return nil
	}
	var out []time.Time
	for _, id := range act.cronIDs {
		entry := r.cron.Entry(id)
		if !entry.Next.IsZero() {
			out = append(out, entry.Next)
		} else if entry.Schedule != nil {
			out = append(out, entry.Schedule.Next(time.Now()))
		}
	}
	return out
}

func (r *TriggerRegistry) fireScheduled(l *listener) {
	ctx := context.Background()
	item := NewItem(map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)})
	if _, err := r.fire(ctx, l.workflow, l.node, l.kind, []Item{item}); err != nil {
		r.logger.Error("scheduled trigger failed", "workflow_id", l.workflow.ID(), "node", l.node, "error", err)
	}
}

// emit notifies lifecycle listeners. Listener executions are started
// outside the registry lock.
func (r *TriggerRegistry) emit(ctx context.Context, kind LifecycleEventKind, wf *Workflow) {
	r.mutex.Lock()
	listeners := append([]*listener(nil), r.lifecycle...)
	r.mutex.Unlock()

	for _, l := range listeners {
		if len(l.filter) > 0 && !l.filter[string(kind)] {
			continue
		}
		item := NewItem(map[string]any{
			"event":        string(kind),
			"workflowId":   wf.ID(),
			"workflowName": wf.Name(),
		})
		if _, err := r.fire(ctx, l.workflow, l.node, l.kind, []Item{item}); err != nil {
			r.logger.Error("lifecycle trigger failed", "workflow_id", l.workflow.ID(), "node", l.node, "error", err)
		}
	}
}

func (r *TriggerRegistry) removeLocked(workflowID string) {
	act, ok := r.active[workflowID]
	if !ok {
		return
	}
	for _, route := range act.webhooks {
		delete(r.webhooks, route)
	}
	for _, id := range act.cronIDs {
		r.cron.Remove(id)
	}
	for _, event := range act.events {
		kept := r.events[event][:0]
		for _, l := range r.events[event] {
			if l.workflow.ID() != workflowID {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(r.events, event)
		} else {
			r.events[event] = kept
		}
	}
	if act.lifecycle > 0 {
		kept := r.lifecycle[:0]
		for _, l := range r.lifecycle {
			if l.workflow.ID() != workflowID {
				kept = append(kept, l)
			}
		}
		r.lifecycle = kept
	}
	delete(r.active, workflowID)
}

func webhookRoute(node *Node) (string, error) {
	path := paramString(node.Parameters, ParamWebhookPath)
	if path == "" {
		return "", NewValidationError(node.Name, "webhook trigger requires a path")
	}
	method := strings.ToUpper(paramString(node.Parameters, ParamWebhookMethod))
	if method == "" {
		method = http.MethodPost
	}
	return routeKey(method, path), nil
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " /" + strings.Trim(path, "/")
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramStringSet(params map[string]any, key string) map[string]bool {
	set := map[string]bool{}
	switch v := params[key].(type) {
	case string:
		if v != "" {
			set[v] = true
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				set[s] = true
			}
		}
	case []string:
		for _, s := range v {
			set[s] = true
		}
	}
	return set
}
