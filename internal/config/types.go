package config

import "time"

// Config is the top-level configuration structure parsed from storyfactory YAML.
type Config struct {
	Pipeline      Pipeline      `yaml:"pipeline"`
	Inference     Inference     `yaml:"inference"`
	Tracker       Tracker       `yaml:"tracker"`
	SourceControl SourceControl `yaml:"source_control"`
	Documents     Documents     `yaml:"documents"`
	Storage       Storage       `yaml:"storage"`
	Database      Database      `yaml:"database"`
	Logging       Logging       `yaml:"logging"`
	Server        Server        `yaml:"server"`
}

// Pipeline holds the routing thresholds and ceilings.
type Pipeline struct {
	// Threshold is the total effort above which SolutionDesign runs, e.g. "40h".
	Threshold             string           `yaml:"threshold"`
	MaxRevisions          int              `yaml:"max_revisions"`
	MaxRevisionsPerStage  map[string]int   `yaml:"max_revisions_per_stage"`
	MaxInvocations        int              `yaml:"max_invocations"`
	Timeout               string           `yaml:"timeout"`
	HoursPerDay           float64          `yaml:"hours_per_day"`
	HoursPerPoint         float64          `yaml:"hours_per_point"`
	EnforceArtifactChecks bool             `yaml:"enforce_artifact_checks"`
	Stages                map[string]Stage `yaml:"stages"`
}

// Stage overrides inference settings for a single stage.
type Stage struct {
	Model          string   `yaml:"model"`
	PromptTemplate string   `yaml:"prompt_template"`
	ContextMode    string   `yaml:"context_mode"`
	Temperature    *float64 `yaml:"temperature"`
}

// Inference configures the inference backend.
type Inference struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
}

// Tracker selects and configures the issue tracker.
type Tracker struct {
	Kind string `yaml:"kind"` // github, jira, none
	Jira Jira   `yaml:"jira"`
	// AutomationField is set to AutomationValue when enrichment completes.
	AutomationField string `yaml:"automation_field"`
	AutomationValue string `yaml:"automation_value"`
}

// Jira holds Jira Cloud connection settings.
type Jira struct {
	BaseURL     string `yaml:"base_url"`
	Email       string `yaml:"email"`
	TokenEnv    string `yaml:"token_env"`
	SubTaskType string `yaml:"subtask_type"`
}

// SourceControl selects and configures the target repository.
type SourceControl struct {
	Kind   string `yaml:"kind"` // github, none
	GitHub GitHub `yaml:"github"`
}

// GitHub holds GitHub repository settings.
type GitHub struct {
	Owner        string `yaml:"owner"`
	Repo         string `yaml:"repo"`
	BaseBranch   string `yaml:"base_branch"`
	TokenEnv     string `yaml:"token_env"`
	BranchPrefix string `yaml:"branch_prefix"`
	BaseURL      string `yaml:"base_url"`
}

// Documents selects and configures the design document repository.
type Documents struct {
	Kind       string     `yaml:"kind"` // confluence, local, none
	Confluence Confluence `yaml:"confluence"`
	LocalDir   string     `yaml:"local_dir"`
}

// Confluence holds Confluence Cloud settings.
type Confluence struct {
	BaseURL  string `yaml:"base_url"`
	Email    string `yaml:"email"`
	TokenEnv string `yaml:"token_env"`
	Space    string `yaml:"space"`
}

// Storage configures where run state is written.
type Storage struct {
	Dir string `yaml:"dir"`
}

// Database configures the optional PostgreSQL event log.
type Database struct {
	URLEnv string `yaml:"url_env"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// TimeoutDuration parses Pipeline.Timeout, returning 0 when unset or invalid.
func (p Pipeline) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0
	}
	return d
}
