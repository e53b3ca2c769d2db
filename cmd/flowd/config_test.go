package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow/script"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig("")
		require.NoError(t, err)
		require.Equal(t, ":8080", cfg.Listen)
		require.Equal(t, "memory", cfg.Store.Driver)
		require.Equal(t, "direct", cfg.Queue.Driver)
		require.Equal(t, 5*time.Minute, cfg.ClaimTTL.Std())
	})

	t.Run("file and environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flowd.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
claimTTL: 30s
store:
  driver: sqlite
  dsn: /tmp/flow.db
queue:
  driver: memory
  workers: 8
`), 0o644))
		t.Setenv("FLOW_LISTEN", ":7070")
		t.Setenv("FLOW_QUEUE_RATE", "2.5")

		cfg, err := loadConfig(path)
		require.NoError(t, err)
		require.Equal(t, ":7070", cfg.Listen)
		require.Equal(t, 30*time.Second, cfg.ClaimTTL.Std())
		require.Equal(t, "sqlite", cfg.Store.Driver)
		require.Equal(t, 8, cfg.Queue.Workers)
		require.Equal(t, 2.5, cfg.Queue.Rate)
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Store.Driver = "postgres"
		require.Error(t, cfg.validate())

		cfg = defaultConfig()
		cfg.Queue.Driver = "kafka"
		require.Error(t, cfg.validate())

		cfg = defaultConfig()
		err := cfg.applyEnv(func(key string) (string, bool) {
			if key == "FLOW_MAX_IN_FLIGHT" {
				return "many", true
			}
			return "", false
		})
		require.Error(t, err)
	})

	t.Run("script engine", func(t *testing.T) {
		t.Setenv("FLOW_SCRIPT_ENGINE", "expr")
		cfg, err := loadConfig("")
		require.NoError(t, err)
		require.IsType(t, &script.ExprEngine{}, cfg.compiler())

		cfg.ScriptEngine = "lua"
		require.Error(t, cfg.validate())

		defaults := defaultConfig()
		require.IsType(t, &script.RisorEngine{}, defaults.compiler())
	})
}
