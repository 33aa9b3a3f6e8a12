// Package config loads daemon configuration: defaults, then an optional
// YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string `yaml:"data_dir" env:"TASKMILL_DATA_DIR"`
	RepoDir  string `yaml:"repo_dir" env:"TASKMILL_REPO_DIR"`
	LogLevel string `yaml:"log_level" env:"TASKMILL_LOG_LEVEL"`

	Store      StoreConfig      `yaml:"store"`
	Locking    LockingConfig    `yaml:"locking"`
	Processing ProcessingConfig `yaml:"processing"`
	Polling    PollingConfig    `yaml:"polling"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Quality    QualityConfig    `yaml:"quality"`
	API        APIConfig        `yaml:"api"`

	// NotifyEnabled turns on desktop notifications for session results
	// and task failures.
	NotifyEnabled bool `yaml:"notify_enabled" env:"TASKMILL_NOTIFY"`
}

// QualityConfig points at the validation-gate checks file. An empty or
// missing file disables the gate.
type QualityConfig struct {
	ChecksFile string `yaml:"checks_file" env:"TASKMILL_QUALITY_CHECKS"`
}

// StoreConfig selects and tunes the task store backend.
type StoreConfig struct {
	// Backend is "file" or "redis".
	Backend string `yaml:"backend" env:"TASKMILL_STORE_BACKEND"`

	RedisAddr     string `yaml:"redis_addr" env:"TASKMILL_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"TASKMILL_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"TASKMILL_REDIS_DB"`
	KeyPrefix     string `yaml:"key_prefix" env:"TASKMILL_REDIS_KEY_PREFIX"`
}

type LockingConfig struct {
	// Backend is "memory" or "store".
	Backend      string `yaml:"backend" env:"TASKMILL_LOCK_BACKEND"`
	StaleMinutes int    `yaml:"stale_minutes" env:"TASKMILL_LOCK_STALE_MIN"`
}

// StaleThreshold returns the stale-lock threshold as a duration.
func (c LockingConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

type ProcessingConfig struct {
	MaxRetryAttempts  int `yaml:"max_retry_attempts" env:"TASKMILL_MAX_RETRY_ATTEMPTS"`
	InterTaskDelaySec int `yaml:"inter_task_delay_sec" env:"TASKMILL_INTER_TASK_DELAY_SEC"`
	TaskTimeoutMin    int `yaml:"task_timeout_min" env:"TASKMILL_TASK_TIMEOUT_MIN"`
	// VerifyChanges requires executions to leave working-tree changes.
	VerifyChanges bool `yaml:"verify_changes" env:"TASKMILL_VERIFY_CHANGES"`
}

// InterTaskDelay returns the pause between tasks as a duration.
func (c ProcessingConfig) InterTaskDelay() time.Duration {
	return time.Duration(c.InterTaskDelaySec) * time.Second
}

// TaskTimeout returns the per-execution bound as a duration.
func (c ProcessingConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMin) * time.Minute
}

type PollingConfig struct {
	// Strategy is one of fixed_interval, exponential_backoff, adaptive,
	// scheduled_windows.
	Strategy       string  `yaml:"strategy" env:"TASKMILL_POLL_STRATEGY"`
	IntervalSec    int     `yaml:"interval_sec" env:"TASKMILL_POLL_INTERVAL_SEC"`
	MaxIntervalMin int     `yaml:"max_interval_min" env:"TASKMILL_POLL_MAX_INTERVAL_MIN"`
	Multiplier     float64 `yaml:"multiplier" env:"TASKMILL_POLL_MULTIPLIER"`
	WatchQueue     bool    `yaml:"watch_queue" env:"TASKMILL_POLL_WATCH_QUEUE"`
}

// Interval returns the base polling cadence as a duration.
func (c PollingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// MaxInterval returns the polling cadence ceiling as a duration.
func (c PollingConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMin) * time.Minute
}

type ExecutionConfig struct {
	Command string   `yaml:"command" env:"TASKMILL_EXEC_COMMAND"`
	Args    []string `yaml:"args" env:"TASKMILL_EXEC_ARGS" envSeparator:" "`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"TASKMILL_API_ENABLED"`
	Addr    string `yaml:"addr" env:"TASKMILL_API_ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  ".taskmill",
		RepoDir:  ".",
		LogLevel: "info",
		Store: StoreConfig{
			Backend:   "file",
			RedisAddr: "localhost:6379",
			KeyPrefix: "taskmill",
		},
		Locking: LockingConfig{
			Backend:      "memory",
			StaleMinutes: 30,
		},
		Processing: ProcessingConfig{
			MaxRetryAttempts:  3,
			InterTaskDelaySec: 2,
			TaskTimeoutMin:    30,
			VerifyChanges:     false,
		},
		Polling: PollingConfig{
			Strategy:       "fixed_interval",
			IntervalSec:    60,
			MaxIntervalMin: 60,
			Multiplier:     2.0,
			WatchQueue:     true,
		},
		Execution: ExecutionConfig{
			Command: "true",
		},
		API: APIConfig{
			Enabled: false,
			Addr:    ":8080",
		},
	}
}

// Load builds the effective configuration. path may be empty; a missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yamlv3.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Locking.Backend {
	case "memory", "store":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Locking.Backend)
	}
	if c.Processing.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be >= 0")
	}
	return nil
}
