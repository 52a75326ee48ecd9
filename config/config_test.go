package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
postgres:
  url: postgres://localhost/cronicorn
scheduler:
  workers: 4
  horizon: 45s
planner:
  enabled: true
  provider: openai
  model: gpt-4o
signing:
  fail_policy: closed
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/cronicorn", cfg.Postgres.URL)
	require.Equal(t, 4, cfg.Scheduler.Workers)
	require.Equal(t, 45*time.Second, cfg.Scheduler.Horizon)
	require.Equal(t, "openai", cfg.Planner.Provider)
	require.Equal(t, "gpt-4o", cfg.Planner.Model)
	require.Equal(t, "closed", cfg.Signing.FailPolicy)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "postgres:\n  url: postgres://localhost/cronicorn\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Scheduler.Workers)
	require.Equal(t, "cronicorn", cfg.Mongo.Database)
	require.Equal(t, "anthropic", cfg.Planner.Provider)
	require.Equal(t, int64(600), cfg.Quota.Limit)
	require.Equal(t, time.Minute, cfg.Quota.Window)
	require.Equal(t, "open", cfg.Signing.FailPolicy)
	require.Equal(t, ":8081", cfg.HealthAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
postgres:
  url: postgres://file/db
scheduler:
  workers: 4
`)
	t.Setenv("POSTGRES_URL", "postgres://env/db")
	t.Setenv("SCHEDULER_WORKERS", "8")
	t.Setenv("SCHEDULER_HORIZON", "90s")
	t.Setenv("DEBUG", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://env/db", cfg.Postgres.URL)
	require.Equal(t, 8, cfg.Scheduler.Workers)
	require.Equal(t, 90*time.Second, cfg.Scheduler.Horizon)
	require.True(t, cfg.Debug)
}

func TestAPIKeyFollowsProvider(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://env/db")
	t.Setenv("ANTHROPIC_API_KEY", "ak-1")
	t.Setenv("OPENAI_API_KEY", "ok-1")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "ak-1", cfg.Planner.APIKey, "anthropic is the default provider")

	t.Setenv("PLANNER_PROVIDER", "openai")
	cfg, err = config.Load("")
	require.NoError(t, err)
	require.Equal(t, "ok-1", cfg.Planner.APIKey)
}

func TestLoadValidation(t *testing.T) {
	_, err := config.Load("")
	require.ErrorContains(t, err, "postgres url is required")

	t.Setenv("POSTGRES_URL", "postgres://env/db")
	t.Setenv("SIGNING_FAIL_POLICY", "maybe")
	_, err = config.Load("")
	require.ErrorContains(t, err, "fail_policy")

	t.Setenv("SIGNING_FAIL_POLICY", "open")
	t.Setenv("PLANNER_PROVIDER", "llama")
	_, err = config.Load("")
	require.ErrorContains(t, err, "provider")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "postgres: [not a map\n")
	_, err := config.Load(path)
	require.ErrorContains(t, err, "parse config")
}
