package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Board.BoardID = "PVT_kwDO"
	cfg.Repositories.Allow = []string{"acme/*"}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Board.BoardID = "B1"
		cfg.Repositories.Allow = []string{"acme/*"}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing board id", func(c *Config) { c.Board.BoardID = "" }},
		{"min over max", func(c *Config) { c.Pool.MinWorkers = 5; c.Pool.MaxWorkers = 2 }},
		{"zero max workers", func(c *Config) { c.Pool.MaxWorkers = 0 }},
		{"empty allow list", func(c *Config) { c.Repositories.Allow = nil }},
		{"bad dialect", func(c *Config) { c.State.Dialect = "mysql" }},
		{"kill timeout over cleanup", func(c *Config) {
			c.Developer.ForceKillTimeout = 10 * time.Second
			c.Developer.GracefulCleanupTimeout = time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRepositoryAllowed(t *testing.T) {
	cfg := Default()
	cfg.Repositories.Allow = []string{"acme/*", "partner/tool"}

	assert.True(t, cfg.RepositoryAllowed("acme/svc"))
	assert.True(t, cfg.RepositoryAllowed("partner/tool"))
	assert.False(t, cfg.RepositoryAllowed("partner/other"))
	assert.False(t, cfg.RepositoryAllowed("evil/acme"))
}

func TestLoadMergesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, FlowDir), 0o755))
	body := []byte(`
board:
  provider: jira
  board_id: "77"
pool:
  max_workers: 8
repositories:
  allow: ["acme/**"]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FlowDir, ConfigFileName), body, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "jira", cfg.Board.Provider)
	assert.Equal(t, "77", cfg.Board.BoardID)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	// Untouched fields keep defaults.
	assert.Equal(t, "claude", cfg.Developer.Type)
	assert.Equal(t, filepath.Join(dir, FlowDir, "workspaces"), cfg.WorkspaceRoot)
	assert.Equal(t, filepath.Join(dir, FlowDir, "state.db"), cfg.State.DSN)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOARDFLOW_BOARD_ID", "ENV_BOARD")
	t.Setenv("BOARDFLOW_MAX_WORKERS", "2")
	t.Setenv("BOARDFLOW_REPOSITORIES_ALLOW", "a/b, c/*")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "ENV_BOARD", cfg.Board.BoardID)
	assert.Equal(t, 2, cfg.Pool.MaxWorkers)
	assert.Equal(t, []string{"a/b", "c/*"}, cfg.Repositories.Allow)
}
