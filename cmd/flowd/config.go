package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/script"
)

// Config is the daemon configuration. Values come from an optional YAML
// file and are then overridden by FLOW_* environment variables.
type Config struct {
	Listen       string        `yaml:"listen"`
	LogLevel     string        `yaml:"logLevel"`
	LogFormat    string        `yaml:"logFormat"`
	WorkerID     string        `yaml:"workerId"`
	ClaimTTL     flow.Duration `yaml:"claimTTL"`
	MaxInFlight  int           `yaml:"maxInFlight"`
	MaxWait      flow.Duration `yaml:"maxWait"`
	WorkflowsDir string        `yaml:"workflowsDir"`
	ScriptEngine string        `yaml:"scriptEngine"`
	Store        StoreConfig   `yaml:"store"`
	Queue        QueueConfig   `yaml:"queue"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	// Driver is memory, sqlite or postgres
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig selects how executions reach workers
type QueueConfig struct {
	// Driver is direct (goroutines), memory or redis
	Driver    string  `yaml:"driver"`
	RedisAddr string  `yaml:"redisAddr"`
	Prefix    string  `yaml:"prefix"`
	Workers   int     `yaml:"workers"`
	Rate      float64 `yaml:"rate"`
}

func defaultConfig() Config {
	return Config{
		Listen:       ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		ClaimTTL:     flow.Duration(5 * time.Minute),
		MaxInFlight:  16,
		ScriptEngine: "risor",
		Store:        StoreConfig{Driver: "memory"},
		Queue:        QueueConfig{Driver: "direct", Prefix: "flow:", Workers: 4},
	}
}

// loadConfig reads path, if set, over the defaults and applies the
// environment.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"FLOW_LISTEN":        &c.Listen,
		"FLOW_LOG_LEVEL":     &c.LogLevel,
		"FLOW_LOG_FORMAT":    &c.LogFormat,
		"FLOW_WORKER_ID":     &c.WorkerID,
		"FLOW_WORKFLOWS_DIR": &c.WorkflowsDir,
		"FLOW_SCRIPT_ENGINE": &c.ScriptEngine,
		"FLOW_STORE_DRIVER":  &c.Store.Driver,
		"FLOW_STORE_DSN":     &c.Store.DSN,
		"FLOW_QUEUE_DRIVER":  &c.Queue.Driver,
		"FLOW_REDIS_ADDR":    &c.Queue.RedisAddr,
		"FLOW_QUEUE_PREFIX":  &c.Queue.Prefix,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"FLOW_MAX_IN_FLIGHT": &c.MaxInFlight,
		"FLOW_QUEUE_WORKERS": &c.Queue.Workers,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}
	durations := map[string]*flow.Duration{
		"FLOW_CLAIM_TTL": &c.ClaimTTL,
		"FLOW_MAX_WAIT":  &c.MaxWait,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}
	if v, ok := lookup("FLOW_QUEUE_RATE"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FLOW_QUEUE_RATE: %w", err)
		}
		c.Queue.Rate = rate
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %s requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "direct", "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue driver redis requires redisAddr")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	switch c.ScriptEngine {
	case "risor", "expr":
	default:
		return fmt.Errorf("unknown script engine %q", c.ScriptEngine)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// compiler returns the expression engine used by node parameters
func (c *Config) compiler() script.Compiler {
	if c.ScriptEngine == "expr" {
		return script.NewExprEngine(nil)
	}
	return script.NewRisorEngine(script.DefaultGlobals())
}
