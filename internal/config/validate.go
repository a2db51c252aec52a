package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	trackerKinds  = map[string]bool{"github": true, "jira": true, "none": true}
	sourceKinds   = map[string]bool{"github": true, "none": true}
	documentKinds = map[string]bool{"confluence": true, "local": true, "none": true}
	contextModes  = map[string]bool{"": true, "full": true, "findings_only": true, "minimal": true}
	logLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats    = map[string]bool{"json": true, "console": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(msg, args...)})
	}

	p := cfg.Pipeline
	units := pipeline.EffortUnits{HoursPerDay: p.HoursPerDay, HoursPerPoint: p.HoursPerPoint}
	if d, err := units.ParseEffort(p.Threshold); err != nil {
		add("pipeline.threshold", "unparseable effort %q", p.Threshold)
	} else if d < 0 {
		add("pipeline.threshold", "must not be negative")
	}
	if p.MaxRevisions <= 0 {
		add("pipeline.max_revisions", "must be positive")
	}
	if p.MaxInvocations <= 0 {
		add("pipeline.max_invocations", "must be positive")
	}
	if d, err := time.ParseDuration(p.Timeout); err != nil {
		add("pipeline.timeout", "invalid duration %q", p.Timeout)
	} else if d <= 0 {
		add("pipeline.timeout", "must be positive")
	}
	if p.HoursPerDay <= 0 {
		add("pipeline.hours_per_day", "must be positive")
	}
	if p.HoursPerPoint <= 0 {
		add("pipeline.hours_per_point", "must be positive")
	}

	for _, name := range sortedKeys(p.MaxRevisionsPerStage) {
		if _, ok := pipeline.ParseStageName(name); !ok {
			add("pipeline.max_revisions_per_stage."+name, "unknown stage %q", name)
		}
		if p.MaxRevisionsPerStage[name] <= 0 {
			add("pipeline.max_revisions_per_stage."+name, "must be positive")
		}
	}
	for _, name := range sortedKeys(p.Stages) {
		if _, ok := pipeline.ParseStageName(name); !ok {
			add("pipeline.stages."+name, "unknown stage %q", name)
		}
		s := p.Stages[name]
		if !contextModes[s.ContextMode] {
			add("pipeline.stages."+name+".context_mode", "unrecognized mode %q", s.ContextMode)
		}
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			add("pipeline.stages."+name+".temperature", "must be between 0 and 2")
		}
	}

	if cfg.Inference.Provider != "openai" {
		add("inference.provider", "unsupported provider %q", cfg.Inference.Provider)
	}
	if cfg.Inference.RequestsPerSecond < 0 {
		add("inference.requests_per_second", "must not be negative")
	}

	if !trackerKinds[cfg.Tracker.Kind] {
		add("tracker.kind", "unrecognized kind %q", cfg.Tracker.Kind)
	}
	if cfg.Tracker.Kind == "jira" && cfg.Tracker.Jira.BaseURL == "" {
		add("tracker.jira.base_url", "is required")
	}
	if !sourceKinds[cfg.SourceControl.Kind] {
		add("source_control.kind", "unrecognized kind %q", cfg.SourceControl.Kind)
	}
	if cfg.SourceControl.Kind == "github" || cfg.Tracker.Kind == "github" {
		if cfg.SourceControl.GitHub.Owner == "" {
			add("source_control.github.owner", "is required")
		}
		if cfg.SourceControl.GitHub.Repo == "" {
			add("source_control.github.repo", "is required")
		}
	}
	if !documentKinds[cfg.Documents.Kind] {
		add("documents.kind", "unrecognized kind %q", cfg.Documents.Kind)
	}
	if cfg.Documents.Kind == "confluence" {
		if cfg.Documents.Confluence.BaseURL == "" {
			add("documents.confluence.base_url", "is required")
		}
		if cfg.Documents.Confluence.Space == "" {
			add("documents.confluence.space", "is required")
		}
	}
	if cfg.Documents.Kind == "local" && cfg.Documents.LocalDir == "" {
		add("documents.local_dir", "is required")
	}

	if !logLevels[cfg.Logging.Level] {
		add("logging.level", "unrecognized level %q", cfg.Logging.Level)
	}
	if !logFormats[cfg.Logging.Format] {
		add("logging.format", "unrecognized format %q", cfg.Logging.Format)
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
