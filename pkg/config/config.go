// Package config loads and validates the orchestrator configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's file configuration. Every field has a
// usable default; a missing config file yields Default() unchanged.
type Config struct {
	// StorePath is the SQLite database location.
	StorePath string `yaml:"store_path" validate:"required"`

	// PollSeconds is the worker's idle sleep between empty selections.
	PollSeconds float64 `yaml:"poll_seconds" validate:"gt=0"`

	// RunnerCmd is the shell command template executing one attempt.
	// Placeholders: {task_id}, {routing}, {prompt}, {db_path}.
	RunnerCmd string `yaml:"runner_cmd" validate:"required"`

	// LogDir receives per-attempt runner logs.
	LogDir string `yaml:"log_dir" validate:"required"`

	// MaxAttempts bounds retries per subtask.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// MaxPromptChars bounds subtask prompt length at validation time.
	MaxPromptChars int `yaml:"max_prompt_chars" validate:"gte=1"`

	// MetricsAddr, when set, serves Prometheus metrics (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// WatchDir, when set, is scanned and watched for plan JSON files to
	// auto-enqueue.
	WatchDir string `yaml:"watch_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StorePath:      "orchestrator.db",
		PollSeconds:    1.0,
		RunnerCmd:      "orcq run --db {db_path} --task-id {task_id}",
		LogDir:         "./logs",
		MaxAttempts:    3,
		MaxPromptChars: 20_000,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// Default(); a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
