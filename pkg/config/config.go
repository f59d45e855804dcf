// Package config loads the process configuration for the maestro server:
// bind address, data directory, default region/environment, poll
// intervals, and log level (SPEC_FULL.md §9.6).
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration, loaded from a YAML file
// and overridable by CLI flags in cmd/maestro.
type Config struct {
	// BindAddr is the address the HTTP API listens on, e.g. ":8080".
	BindAddr string `yaml:"bind-addr"`

	// DataDir holds the deployment store and lock store BoltDB files.
	DataDir string `yaml:"data-dir"`

	// DefaultRegion is used when a deploy request omits an explicit region.
	DefaultRegion string `yaml:"default-region"`

	// Environments is the known, orderable set of deploy targets exposed
	// by GET /environments.
	Environments []string `yaml:"environments"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log-level"`
	LogJSON  bool   `yaml:"log-json"`

	// TrackerPollSeconds is how often the tracker polls a remote task.
	TrackerPollSeconds int `yaml:"tracker-poll-seconds"`
}

// Default returns a Config with sane standalone-mode defaults.
func Default() *Config {
	return &Config{
		BindAddr:           ":8080",
		DataDir:            "./data",
		DefaultRegion:      "us-east-1",
		Environments:       []string{"dev", "test", "prod"},
		LogLevel:           "info",
		TrackerPollSeconds: 1,
	}
}

// Load reads and parses a YAML config file at path, filling in Default()
// for any field the file leaves zero-valued.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	loaded := *cfg
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &loaded, nil
}

// SortedEnvironments returns Environments sorted lexically, the shape
// GET /environments exposes.
func (c *Config) SortedEnvironments() []string {
	out := make([]string, len(c.Environments))
	copy(out, c.Environments)
	sort.Strings(out)
	return out
}
