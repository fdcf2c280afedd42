// Package config provides configuration management for auto.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/auto/internal/conflict"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/util"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// AutoDir is the auto configuration directory.
	AutoDir = ".auto"
	// DBFileName is the default decision-store file under AutoDir.
	DBFileName = "auto.db"
	// PIDFileName is the run-lock file under AutoDir.
	PIDFileName = "auto.pid"
)

// Duration is a time.Duration that round-trips through YAML as a
// human-readable string ("30s", "10m"). Bare integers are accepted as
// nanoseconds for compatibility with marshalled time.Duration values.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or an integer")
	}
	*d = Duration(n)
	return nil
}

// AgentConfig controls how agent subprocesses are launched.
type AgentConfig struct {
	// Command is the agent CLI binary.
	Command string `yaml:"command"`
	// Model overrides the agent CLI's default model when set.
	Model string `yaml:"model,omitempty"`
	// Args are extra arguments prepended to every dispatch.
	Args []string `yaml:"args,omitempty"`
	// SkipPermissions passes --dangerously-skip-permissions so the
	// agent can edit files unattended.
	SkipPermissions bool `yaml:"dangerously_skip_permissions"`
	// Timeout bounds a single dispatch.
	Timeout Duration `yaml:"timeout"`
	// DevTimeout bounds dev-story dispatches, which run much longer.
	DevTimeout Duration `yaml:"dev_timeout"`
}

// BaseArgs assembles the dispatch arguments implied by this config.
func (a AgentConfig) BaseArgs() []string {
	args := []string{}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	if a.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, a.Args...)
}

// BudgetConfig holds per-phase prompt token ceilings.
type BudgetConfig struct {
	Planning   int `yaml:"planning"`
	DevStory   int `yaml:"dev_story"`
	ReviewDiff int `yaml:"review_diff"`
}

// StoreConfig selects the decision-store backend.
type StoreConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN is the database path (sqlite) or connection string (postgres).
	// Empty means the default sqlite file under AutoDir.
	DSN string `yaml:"dsn,omitempty"`
}

// TrackerConfig carries credentials for concept sources.
type TrackerConfig struct {
	JiraBaseURL   string `yaml:"jira_base_url,omitempty"`
	JiraEmail     string `yaml:"jira_email,omitempty"`
	JiraToken     string `yaml:"jira_token,omitempty"`
	GitHubToken   string `yaml:"github_token,omitempty"`
	GitLabBaseURL string `yaml:"gitlab_base_url,omitempty"`
	GitLabToken   string `yaml:"gitlab_token,omitempty"`
}

// Config represents the auto configuration.
type Config struct {
	// Version is the config file version.
	Version int `yaml:"version"`

	// Pack names the methodology pack to run with.
	Pack string `yaml:"pack"`

	// Agent subprocess settings.
	Agent AgentConfig `yaml:"agent"`

	// MaxConcurrency bounds how many conflict groups run in parallel.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxReviewCycles bounds review/fix loops before escalation.
	MaxReviewCycles int `yaml:"max_review_cycles"`

	// Budgets are prompt token ceilings per phase.
	Budgets BudgetConfig `yaml:"budgets"`

	// Store selects the decision-store backend.
	Store StoreConfig `yaml:"store"`

	// Tracker holds concept-source credentials.
	Tracker TrackerConfig `yaml:"tracker,omitempty"`

	// ConflictRules maps story-key prefixes to modules. Most specific
	// prefix wins. Defaults come from the methodology pack.
	ConflictRules []conflict.Rule `yaml:"conflict_rules,omitempty"`

	// HeartbeatInterval paces orchestrator heartbeat events.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// StallThreshold is how long a story phase may sit without a
	// transition before a stall event fires.
	StallThreshold Duration `yaml:"stall_threshold"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Pack:    "bmad",
		Agent: AgentConfig{
			Command:         "claude",
			SkipPermissions: true,
			Timeout:         Duration(10 * time.Minute),
			DevTimeout:      Duration(30 * time.Minute),
		},
		MaxConcurrency:  3,
		MaxReviewCycles: 3,
		Budgets: BudgetConfig{
			Planning:   3500,
			DevStory:   24000,
			ReviewDiff: 100000,
		},
		Store: StoreConfig{
			Dialect: "sqlite",
		},
		HeartbeatInterval: Duration(30 * time.Second),
		StallThreshold:    Duration(10 * time.Minute),
	}
}

// Validate checks the config for values no run could work with.
func (c *Config) Validate() error {
	if c.Pack == "" {
		return autoerrors.ErrConfigInvalid("pack", "must name a methodology pack")
	}
	if c.Agent.Command == "" {
		return autoerrors.ErrConfigInvalid("agent.command", "must name the agent binary")
	}
	if c.MaxConcurrency < 1 {
		return autoerrors.ErrConfigInvalid("max_concurrency", "must be at least 1")
	}
	if c.MaxReviewCycles < 1 {
		return autoerrors.ErrConfigInvalid("max_review_cycles", "must be at least 1")
	}
	if c.Store.Dialect != "sqlite" && c.Store.Dialect != "postgres" {
		return autoerrors.ErrConfigInvalid("store.dialect", fmt.Sprintf("unknown dialect %q", c.Store.Dialect))
	}
	return nil
}

// StoreDSN returns the configured DSN, defaulting to the sqlite file
// under AutoDir.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(AutoDir, DBFileName)
}

// Load loads the config from the default location.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(AutoDir, ConfigFileName))
}

// LoadFrom loads the config from a specific path. A missing file yields
// the defaults; fields absent from the file keep their default values.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the config to the default location.
func (c *Config) Save() error {
	return c.SaveTo(filepath.Join(AutoDir, ConfigFileName))
}

// SaveTo saves the config to a specific path. The write is atomic so a
// crash cannot leave a half-written config behind.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// IsInitialized returns true if auto is initialized in the current
// directory.
func IsInitialized() bool {
	_, err := os.Stat(AutoDir)
	return err == nil
}

// RequireInit returns an error if auto is not initialized.
func RequireInit() error {
	if !IsInitialized() {
		return autoerrors.ErrNotInitialized()
	}
	return nil
}
