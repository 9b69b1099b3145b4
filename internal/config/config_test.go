package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	assert.Equal(t, 15*time.Second, cfg.Server.Timeout)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.Dir)
	assert.Equal(t, "kv_store", cfg.Storage.Postgres.Table)
	assert.Equal(t, 3, cfg.Migrations.MaxAttempts)
	assert.Equal(t, "postop_audit", cfg.Audit.IndexPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  timeout: 5s
storage:
  backend: memory
clinical:
  trend_window: 6
migrations:
  max_attempts: 5
log:
  level: debug
  development: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.Timeout)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 6, cfg.Clinical.TrendWindow)
	assert.Equal(t, 5, cfg.Migrations.MaxAttempts)
	assert.True(t, cfg.Log.Development)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: file\n")
	t.Setenv("POSTOP_STORAGE_BACKEND", "memory")
	t.Setenv("POSTOP_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage:    StorageConfig{Backend: BackendFile, Dir: "./data"},
			Migrations: MigrationsConfig{MaxAttempts: 3},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"unknown backend":   func(c *Config) { c.Storage.Backend = "redis" },
		"file without dir":  func(c *Config) { c.Storage.Dir = "" },
		"zero attempts":     func(c *Config) { c.Migrations.MaxAttempts = 0 },
		"negative window":   func(c *Config) { c.Clinical.TrendWindow = -1 },
		"audit without url": func(c *Config) { c.Audit.Enabled = true },
		"tls without files": func(c *Config) { c.Server.TLS.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
