package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/xjson"
	"github.com/deepnoodle-ai/flow/nodes"
)

type runConfig struct {
	WorkflowFile string
	Inputs       map[string]any
	StartNode    string
	TargetNode   string
	Timeout      time.Duration
	Verbose      bool
	JSON         bool
}

func runCommand(args []string) error {
	config, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	if config.WorkflowFile == "" {
		return fmt.Errorf("workflow file is required (-f)")
	}

	color.Blue("Loading workflow from: %s", config.WorkflowFile)
	wf, err := flow.LoadFile(config.WorkflowFile)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	color.Cyan("Workflow: %s", wf.Name())
	if wf.Description() != "" {
		color.White("Description: %s", wf.Description())
	}

	level := slog.LevelError
	if config.Verbose {
		level = slog.LevelDebug
	}
	logger := flow.NewLoggerWithLevel(os.Stderr, level)

	engine, err := flow.NewEngine(flow.EngineOptions{Handlers: nodes.All(nil), Logger: logger})
	if err != nil {
		return err
	}
	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	// Sub-workflow calls look workflows up in the store
	saved, err := engine.SaveWorkflow(ctx, wf)
	if err != nil {
		return err
	}
	var items []flow.Item
	if len(config.Inputs) > 0 {
		items = []flow.Item{flow.NewItem(config.Inputs)}
	}

	started := time.Now()
	exec, err := engine.Execute(ctx, saved.ID(), flow.ExecuteOptions{
		Items:      items,
		StartNode:  config.StartNode,
		TargetNode: config.TargetNode,
	})
	if err != nil {
		return err
	}
	if exec.Status == flow.ExecutionStatusWaiting {
		// The CLI holds no timers across processes; wait in place.
		exec, err = waitForTerminal(ctx, engine, exec.ID)
		if err != nil {
			return err
		}
	}
	return showExecutionResults(ctx, engine, exec, time.Since(started), config)
}

func waitForTerminal(ctx context.Context, engine *flow.Engine, id string) (*flow.Execution, error) {
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	defer engine.Stop(context.Background())
	color.Yellow("Execution is waiting...")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			detail, err := engine.GetExecution(ctx, id)
			if err != nil {
				return nil, err
			}
			if detail.Status.Terminal() {
				return detail.Execution, nil
			}
		}
	}
}

func parseRunFlags(args []string) (*runConfig, error) {
	config := &runConfig{Inputs: map[string]any{}}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.StringVar(&config.WorkflowFile, "file", "", "Path to the YAML or JSON workflow file (required)")
	fs.StringVar(&config.WorkflowFile, "f", "", "Path to the YAML or JSON workflow file (shorthand)")

	var inputFlags stringSlice
	fs.Var(&inputFlags, "input", "Field of the seed item in format key=value (can be used multiple times)")
	fs.Var(&inputFlags, "i", "Field of the seed item (shorthand)")

	fs.StringVar(&config.StartNode, "start", "", "Start from this node instead of the manual trigger")
	fs.StringVar(&config.TargetNode, "target", "", "Run only up to this node (partial execution)")
	fs.DurationVar(&config.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m, 1h)")
	fs.DurationVar(&config.Timeout, "t", 0, "Execution timeout (shorthand)")
	fs.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	fs.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, input := range inputFlags {
		key, value, ok := strings.Cut(input, "=")
		if !ok {
			return nil, fmt.Errorf("invalid input format '%s'. Use key=value", input)
		}
		// Try to parse as JSON, fallback to string
		var parsed any
		if err := xjson.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		config.Inputs[key] = parsed
	}
	return config, nil
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func showExecutionResults(ctx context.Context, engine *flow.Engine, exec *flow.Execution, duration time.Duration, config *runConfig) error {
	color.White("Execution %s completed in %v", exec.ID, duration.Round(time.Millisecond))
	color.White("Status: %s", exec.Status)

	detail, err := engine.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if exec.Status != flow.ExecutionStatusSuccess {
		if detail.Error != nil {
			return detail.Error
		}
		return fmt.Errorf("execution ended with status %s", exec.Status)
	}
	color.Green("Execution successful!")

	items, err := engine.Output(ctx, exec.ID)
	if err != nil {
		return err
	}
	fmt.Println()
	color.Magenta("Output (%d items):", len(items))
	for i, item := range items {
		var data []byte
		if config.JSON {
			data, err = xjson.MarshalIndent(item.Data, "", "  ")
		} else {
			data, err = xjson.Marshal(item.Data)
		}
		if err != nil {
			fmt.Printf("  [%d] %v\n", i, item.Data)
			continue
		}
		fmt.Printf("  [%d] %s\n", i, data)
	}
	return nil
}
