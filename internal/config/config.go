// Package config loads server configuration from a YAML file with
// environment-variable overrides. Missing files are not an error; every
// field has a working default so the server can start bare.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/dechub/internal/otel"
)

type Config struct {
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DecisionFile is the markdown decision log watched for changes.
	DecisionFile string `yaml:"decision_file"`
	// SetsFile is the JSON sidecar holding named decision sets.
	SetsFile string `yaml:"sets_file"`

	HistoryLimit       int `yaml:"history_limit"`
	RecentChangesLimit int `yaml:"recent_changes_limit"`

	ActivityDebounceMS    int `yaml:"activity_debounce_ms"`
	WatchDebounceMS       int `yaml:"watch_debounce_ms"`
	PollIntervalMS        int `yaml:"poll_interval_ms"`
	RemovalTimeoutSeconds int `yaml:"removal_timeout_seconds"`

	OTel otelx.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18700",
		LogLevel:              "info",
		DecisionFile:          "DECISIONS.md",
		SetsFile:              "decision-sets.json",
		HistoryLimit:          1000,
		RecentChangesLimit:    50,
		ActivityDebounceMS:    500,
		WatchDebounceMS:       150,
		PollIntervalMS:        1000,
		RemovalTimeoutSeconds: 120,
	}
}

// Load reads the config file at path, if it exists, then applies
// DECHUB_* environment overrides and defaults for anything unset.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DECHUB_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DECHUB_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DECHUB_DECISION_FILE"); raw != "" {
		cfg.DecisionFile = raw
	}
	if raw := os.Getenv("DECHUB_SETS_FILE"); raw != "" {
		cfg.SetsFile = raw
	}
	if raw := os.Getenv("DECHUB_HISTORY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HistoryLimit = v
		}
	}
	if raw := os.Getenv("DECHUB_ACTIVITY_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ActivityDebounceMS = v
		}
	}
	if raw := os.Getenv("DECHUB_WATCH_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WatchDebounceMS = v
		}
	}
	if raw := os.Getenv("DECHUB_REMOVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RemovalTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DECHUB_OTEL_ENABLED"); raw != "" {
		cfg.OTel.Enabled = raw == "1" || raw == "true"
	}
	if raw := os.Getenv("DECHUB_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DecisionFile == "" {
		cfg.DecisionFile = def.DecisionFile
	}
	if cfg.SetsFile == "" {
		cfg.SetsFile = def.SetsFile
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RecentChangesLimit <= 0 {
		cfg.RecentChangesLimit = def.RecentChangesLimit
	}
	if cfg.ActivityDebounceMS < 0 {
		cfg.ActivityDebounceMS = def.ActivityDebounceMS
	}
	if cfg.WatchDebounceMS <= 0 {
		cfg.WatchDebounceMS = def.WatchDebounceMS
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = def.PollIntervalMS
	}
	if cfg.RemovalTimeoutSeconds < 0 {
		cfg.RemovalTimeoutSeconds = def.RemovalTimeoutSeconds
	}
}

func (c Config) ActivityDebounce() time.Duration {
	return time.Duration(c.ActivityDebounceMS) * time.Millisecond
}

func (c Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) RemovalTimeout() time.Duration {
	return time.Duration(c.RemovalTimeoutSeconds) * time.Second
}

// Fingerprint returns a short stable hash of the settings that affect
// runtime behavior, for startup logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|decisions=%s|hist=%d|recent=%d|adeb=%d|wdeb=%d|poll=%d|rto=%d",
		c.BindAddr, c.LogLevel, c.DecisionFile, c.HistoryLimit, c.RecentChangesLimit,
		c.ActivityDebounceMS, c.WatchDebounceMS, c.PollIntervalMS, c.RemovalTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
