// Package config loads server and client settings from an optional yaml file
// layered over defaults. Binary-specific overrides (listen address, database
// path) stay on flags in the cmd packages.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SyncModeCRDT = "crdt"
	// SyncModeLWW is the degraded whole-content last-writer-wins mode: no merge
	// guarantee for concurrent edits, kept only for clients without a mergeable
	// state engine.
	SyncModeLWW = "lww"
)

type Config struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	LogLevel string `yaml:"log_level"`

	Sync struct {
		Mode string `yaml:"mode"`
	} `yaml:"sync"`

	Snapshot struct {
		// Interval between automatic version capture sweeps over loaded notes.
		Interval time.Duration `yaml:"interval"`
		// MinUpdates is the minimum number of new log entries since the latest
		// version before a sweep captures a new one.
		MinUpdates int `yaml:"min_updates"`
		// CompactInterval between base-state writebacks to the database.
		CompactInterval time.Duration `yaml:"compact_interval"`
	} `yaml:"snapshot"`

	Batch struct {
		Quiet   time.Duration `yaml:"quiet"`
		Ceiling time.Duration `yaml:"ceiling"`
	} `yaml:"batch"`

	Auth struct {
		// Mode is "insecure" (token = "uid:name") or "static" (token table below).
		Mode   string               `yaml:"mode"`
		Tokens map[string]AuthToken `yaml:"tokens"`
	} `yaml:"auth"`

	Session struct {
		// IdleTimeout is the liveness window: a connection with no traffic or
		// pong inside it is treated as disconnected.
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"session"`
}

type AuthToken struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

func Default() Config {
	var c Config
	c.Addr = "localhost:8080"
	c.Database = "notesync.sqlite3"
	c.LogLevel = "info"
	c.Sync.Mode = SyncModeCRDT
	c.Snapshot.Interval = 30 * time.Second
	c.Snapshot.MinUpdates = 1
	c.Snapshot.CompactInterval = 5 * time.Second
	c.Batch.Quiet = 300 * time.Millisecond
	c.Batch.Ceiling = 2 * time.Second
	c.Auth.Mode = "insecure"
	c.Session.IdleTimeout = 60 * time.Second
	return c
}

// Load returns defaults overlaid with the yaml file at path. An empty path
// returns plain defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.Sync.Mode {
	case SyncModeCRDT, SyncModeLWW:
	default:
		return fmt.Errorf("unknown sync mode %q", c.Sync.Mode)
	}
	switch c.Auth.Mode {
	case "insecure", "static":
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}
