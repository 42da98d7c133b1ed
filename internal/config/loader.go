package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration for the project rooted at workDir.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. User config (~/.boardflow/config.yaml) - optional
//  3. Project config (<workDir>/.boardflow/config.yaml) - optional
//  4. Environment variables (BOARDFLOW_*)
func Load(workDir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, FlowDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	projectPath := filepath.Join(workDir, FlowDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFromFile(cfg, projectPath); err != nil {
			return nil, err // Project config errors are fatal
		}
	}

	applyEnv(cfg)

	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(workDir, FlowDir, "workspaces")
	}
	if cfg.State.DSN == "" && (cfg.State.Dialect == "" || cfg.State.Dialect == "sqlite") {
		cfg.State.DSN = filepath.Join(workDir, FlowDir, "state.db")
	}

	return cfg, nil
}

// MergeFile overlays a YAML config file onto cfg. Used for explicit
// --config overrides.
func MergeFile(cfg *Config, path string) error {
	return mergeFromFile(cfg, path)
}

// mergeFromFile overlays a YAML file onto cfg. Fields absent from the file
// keep their current values.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays BOARDFLOW_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BOARDFLOW_BOARD_ID"); v != "" {
		cfg.Board.BoardID = v
	}
	if v := os.Getenv("BOARDFLOW_BOARD_PROVIDER"); v != "" {
		cfg.Board.Provider = v
	}
	if v := os.Getenv("BOARDFLOW_HOSTING_PROVIDER"); v != "" {
		cfg.Hosting.Provider = v
	}
	if v := os.Getenv("BOARDFLOW_DEVELOPER_PATH"); v != "" {
		cfg.Developer.Path = v
	}
	if v := os.Getenv("BOARDFLOW_DEVELOPER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Developer.Timeout = d
		}
	}
	if v := os.Getenv("BOARDFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BOARDFLOW_SERVER_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("BOARDFLOW_STATE_DSN"); v != "" {
		cfg.State.DSN = v
	}
	if v := os.Getenv("BOARDFLOW_STATE_DIALECT"); v != "" {
		cfg.State.Dialect = v
	}
	if v := os.Getenv("BOARDFLOW_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv("BOARDFLOW_REPOSITORIES_ALLOW"); v != "" {
		var allow []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				allow = append(allow, p)
			}
		}
		if len(allow) > 0 {
			cfg.Repositories.Allow = allow
		}
	}
}

// Save writes the configuration to the project config file.
func Save(cfg *Config, workDir string) error {
	dir := filepath.Join(workDir, FlowDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, ConfigFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
