package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/flow/internal/xjson"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Every value is deep-copied on the way
// in and out, so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	executions  map[string]*Execution
	order       []string
	checkpoints map[string]*Checkpoint
	steps       map[string][]*StepLog
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   map[string]*Workflow{},
		executions:  map[string]*Execution{},
		checkpoints: map[string]*Checkpoint{},
		steps:       map[string][]*StepLog{},
	}
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := wf.ID()
	if id == "" {
		id = NewWorkflowID()
	}
	version, active := 1, false
	if prev, ok := s.workflows[id]; ok {
		version = prev.Version() + 1
		active = prev.Active()
	}
	stored := wf.withIdentity(id, version, active)
	s.workflows[id] = stored
	return stored, nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return wf, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, activeOnly bool) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if activeOnly && !wf.Active() {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *MemoryStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	s.workflows[id] = wf.withIdentity(wf.ID(), wf.Version(), active)
	return nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists: %w", exec.ID, ErrConflict)
	}
	if err := s.checkTokenLocked(exec); err != nil {
		return err
	}
	stored, err := exec.Clone()
	if err != nil {
		return err
	}
	stored.Version = 1
	exec.Version = 1
	s.executions[exec.ID] = stored
	s.order = append(s.order, exec.ID)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.Clone()
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
	}
	if stored.Version != exec.Version {
		return fmt.Errorf("execution %s at version %d, have %d: %w", exec.ID, stored.Version, exec.Version, ErrConflict)
	}
	if err := s.checkTokenLocked(exec); err != nil {
		return err
	}
	next, err := exec.Clone()
	if err != nil {
		return err
	}
	next.Version++
	exec.Version++
	s.executions[exec.ID] = next
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	skipped := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.executions[s.order[i]]
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		clone, err := exec.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, id := range s.order {
		if exec := s.executions[id]; exec.Status == status {
			clone, err := exec.Clone()
			if err != nil {
				return nil, err
			}
			out = append(out, clone)
		}
	}
	return out, nil
}

// checkTokenLocked rejects a resume token already held by another execution
func (s *MemoryStore) checkTokenLocked(exec *Execution) error {
	if exec.ResumeToken == nil {
		return nil
	}
	for id, other := range s.executions {
		if id != exec.ID && other.ResumeToken != nil && *other.ResumeToken == *exec.ResumeToken {
			return fmt.Errorf("resume token of execution %s is held by %s: %w", exec.ID, id, ErrConflict)
		}
	}
	return nil
}

func (s *MemoryStore) GetExecutionByResumeToken(ctx context.Context, token string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, exec := range s.executions {
		if exec.ResumeToken != nil && *exec.ResumeToken == token {
			return exec.Clone()
		}
	}
	return nil, fmt.Errorf("resume token: %w", ErrNotFound)
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	copied, err := checkpoint.Clone()
	if err != nil {
		return fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.ExecutionID] = copied
	return nil
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	s.mu.RLock()
	checkpoint, ok := s.checkpoints[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint for execution %s: %w", executionID, ErrNotFound)
	}
	return checkpoint.Clone()
}

func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, executionID)
	return nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, step *StepLog) error {
	var copied StepLog
	if err := xjson.Clone(step, &copied); err != nil {
		return fmt.Errorf("failed to copy step log: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[step.ExecutionID]
	for i, row := range rows {
		// A node re-run after a crash reuses its sequence number
		if row.Sequence == step.Sequence {
			rows[i] = &copied
			return nil
		}
	}
	s.steps[step.ExecutionID] = append(rows, &copied)
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*StepLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.steps[executionID]
	out := make([]*StepLog, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
