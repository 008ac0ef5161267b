package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Jobs holds durable-queue tuning knobs.
type Jobs struct {
	// BackoffSeconds is the linear backoff increment between retries.
	BackoffSeconds int `toml:"backoff_seconds"`
	// MaxAttempts bounds retries before a job is reported as terminally failed.
	MaxAttempts int `toml:"max_attempts"`
}

// Config represents the global ~/.pairchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// Offline starts the daemon with the connectivity gate down; jobs queue
	// up but do not run until the gate opens.
	Offline bool `toml:"offline"`
	Jobs    Jobs `toml:"jobs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Jobs: Jobs{
			BackoffSeconds: 10,
			MaxAttempts:    5,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
