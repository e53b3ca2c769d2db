package flow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// FileStepLogger is an implementation of StepLogger that logs to files.
// A file is created per execution. The file is formatted as newline-delimited
// JSON, one row per line.
type FileStepLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) stepLogPath(executionID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", executionID))
}

func (l *FileStepLogger) ListSteps(ctx context.Context, executionID string) ([]*StepLog, error) {
	f, err := os.Open(l.stepLogPath(executionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var steps []*StepLog
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var step StepLog
		if err := xjson.Unmarshal(line, &step); err != nil {
			return nil, fmt.Errorf("failed to decode step log: %w", err)
		}
		steps = append(steps, &step)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// Later rows replace earlier rows with the same sequence
	bySequence := make(map[int]*StepLog, len(steps))
	for _, step := range steps {
		bySequence[step.Sequence] = step
	}
	out := make([]*StepLog, 0, len(bySequence))
	for _, step := range bySequence {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (l *FileStepLogger) AppendStep(ctx context.Context, step *StepLog) error {
	data, err := xjson.Marshal(step)
	if err != nil {
		return err
	}
	filePath := l.stepLogPath(step.ExecutionID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
