package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/api"
	"github.com/deepnoodle-ai/flow/nodes"
	"github.com/deepnoodle-ai/flow/queue"
	"github.com/deepnoodle-ai/flow/queue/redisqueue"
	"github.com/deepnoodle-ai/flow/store/postgres"
	"github.com/deepnoodle-ai/flow/store/sqlite"
)

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file (optional)")
	fs.StringVar(configPath, "c", "", "Path to a YAML config file (shorthand)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	q, closeQueue, err := openQueue(ctx, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	opts := flow.EngineOptions{
		Store:       store,
		Handlers:    nodes.All(cfg.compiler()),
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
		WorkerID:    cfg.WorkerID,
		ClaimTTL:    cfg.ClaimTTL.Std(),
		MaxWait:     cfg.MaxWait.Std(),
	}
	if q != nil {
		opts.Dispatcher = queue.NewDispatcher(q)
	}
	engine, err := flow.NewEngine(opts)
	if err != nil {
		return err
	}
	if cfg.WorkflowsDir != "" {
		if err := loadWorkflows(ctx, engine, cfg.WorkflowsDir, logger); err != nil {
			return err
		}
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(api.Config{Engine: engine, Logger: logger}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	color.Cyan("flowd listening on %s", cfg.Listen)
	color.White("Store: %s  Queue: %s", cfg.Store.Driver, cfg.Queue.Driver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if q != nil {
		pool := queue.NewPool(q, engine, queue.PoolOptions{
			Workers: cfg.Queue.Workers,
			Rate:    rate.Limit(cfg.Queue.Rate),
			Logger:  logger,
		})
		g.Go(func() error { return pool.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		return engine.Stop(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	color.Yellow("flowd stopped")
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	level := flow.ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return flow.NewLoggerWithLevel(os.Stdout, level)
}

func openStore(ctx context.Context, cfg StoreConfig) (flow.Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.DB().Close() }, nil
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.DB().Close() }, nil
	default:
		return flow.NewMemoryStore(), func() {}, nil
	}
}

// openQueue returns nil for the direct driver, where the engine runs
// executions on its own goroutines.
func openQueue(ctx context.Context, cfg QueueConfig, logger *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemoryQueue(0), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		q := redisqueue.New(client, cfg.Prefix)
		moved, err := q.Recover(ctx)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to recover redis jobs: %w", err)
		}
		if moved > 0 {
			logger.Info("requeued unacknowledged jobs", "count", moved)
		}
		return q, func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// loadWorkflows saves every workflow file in dir and activates the ones
// marked active.
func loadWorkflows(ctx context.Context, engine *flow.Engine, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isWorkflowFile(name) {
			continue
		}
		wf, err := flow.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		saved, err := engine.SaveWorkflow(ctx, wf)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if wf.Active() && !saved.Active() {
			if err := engine.ActivateWorkflow(ctx, saved.ID()); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		logger.Info("loaded workflow", "file", name, "workflow_id", saved.ID(), "version", saved.Version())
	}
	return nil
}

func isWorkflowFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
