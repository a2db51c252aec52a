package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values applied by applyDefaults.
const (
	DefaultThreshold      = "40h"
	DefaultMaxRevisions   = 3
	DefaultMaxInvocations = 40
	DefaultTimeout        = "30m"
	DefaultHoursPerDay    = 8
	DefaultHoursPerPoint  = 4
	DefaultModel          = "gpt-4o-mini"
	DefaultAddr           = ":8080"
)

// Load reads and parses a configuration from the given YAML file path.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./storyfactory.yaml, ~/.storyfactory/config.yaml.
// When none exists the defaults alone are returned.
func LoadDefault() (*Config, error) {
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func searchPaths() []string {
	candidates := []string{"storyfactory.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".storyfactory", "config.yaml"))
	}
	return candidates
}

func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.Threshold == "" {
		p.Threshold = DefaultThreshold
	}
	if p.MaxRevisions == 0 {
		p.MaxRevisions = DefaultMaxRevisions
	}
	if p.MaxInvocations == 0 {
		p.MaxInvocations = DefaultMaxInvocations
	}
	if p.Timeout == "" {
		p.Timeout = DefaultTimeout
	}
	if p.HoursPerDay == 0 {
		p.HoursPerDay = DefaultHoursPerDay
	}
	if p.HoursPerPoint == 0 {
		p.HoursPerPoint = DefaultHoursPerPoint
	}

	inf := &cfg.Inference
	if inf.Provider == "" {
		inf.Provider = "openai"
	}
	if inf.Model == "" {
		inf.Model = DefaultModel
	}
	if inf.APIKeyEnv == "" {
		inf.APIKeyEnv = "OPENAI_API_KEY"
	}
	if inf.RequestsPerSecond == 0 {
		inf.RequestsPerSecond = 2
	}
	if inf.MaxRetries == 0 {
		inf.MaxRetries = 3
	}

	if cfg.Tracker.Kind == "" {
		cfg.Tracker.Kind = "none"
	}
	if cfg.Tracker.Jira.TokenEnv == "" {
		cfg.Tracker.Jira.TokenEnv = "JIRA_API_TOKEN"
	}
	if cfg.Tracker.Jira.SubTaskType == "" {
		cfg.Tracker.Jira.SubTaskType = "Sub-task"
	}

	if cfg.SourceControl.Kind == "" {
		cfg.SourceControl.Kind = "none"
	}
	gh := &cfg.SourceControl.GitHub
	if gh.BaseBranch == "" {
		gh.BaseBranch = "main"
	}
	if gh.TokenEnv == "" {
		gh.TokenEnv = "GITHUB_TOKEN"
	}
	if gh.BranchPrefix == "" {
		gh.BranchPrefix = "storyfactory"
	}

	if cfg.Documents.Kind == "" {
		cfg.Documents.Kind = "none"
	}
	if cfg.Documents.Confluence.TokenEnv == "" {
		cfg.Documents.Confluence.TokenEnv = "CONFLUENCE_API_TOKEN"
	}

	if cfg.Storage.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.Dir = filepath.Join(home, ".storyfactory")
		}
	}
	if cfg.Documents.LocalDir == "" && cfg.Storage.Dir != "" {
		cfg.Documents.LocalDir = filepath.Join(cfg.Storage.Dir, "designs")
	}
	if cfg.Database.URLEnv == "" {
		cfg.Database.URLEnv = "STORYFACTORY_DATABASE_URL"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
}
