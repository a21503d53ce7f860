// Package config loads and validates the orchestrator's autopilot.yml.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the per-project configuration file.
const FileName = "autopilot.yml"

// Config is the complete autopilot.yml structure, defaults applied.
type Config struct {
	Linear      LinearConfig      `yaml:"linear"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	GitHub      GitHubConfig      `yaml:"github"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Budget      BudgetConfig      `yaml:"budget"`
	Reviewer    ReviewerConfig    `yaml:"reviewer"`
	Projects    ProjectsConfig    `yaml:"projects"`
	Planning    PlanningConfig    `yaml:"planning"`
	Webhook     WebhookConfig     `yaml:"webhook"`
}

// LinearConfig scopes which tracker tickets the orchestrator may touch.
type LinearConfig struct {
	Team       string       `yaml:"team"`
	Initiative string       `yaml:"initiative"`
	Labels     []string     `yaml:"labels"`
	Projects   []string     `yaml:"projects"`
	States     StatesConfig `yaml:"states"`
}

// StatesConfig maps workflow states to tracker state names. Names are
// resolved to tracker ids once at startup.
type StatesConfig struct {
	Triage     string `yaml:"triage"`
	Ready      string `yaml:"ready"`
	InProgress string `yaml:"in_progress"`
	InReview   string `yaml:"in_review"`
	Done       string `yaml:"done"`
	Blocked    string `yaml:"blocked"`
}

// ExecutorConfig controls ticket dispatch and agent runs. A value of 0
// for any timeout disables it.
type ExecutorConfig struct {
	Parallel                 int      `yaml:"parallel"`
	TimeoutMinutes           float64  `yaml:"timeout_minutes"`
	FixerTimeoutMinutes      float64  `yaml:"fixer_timeout_minutes"`
	MaxFixerAttempts         int      `yaml:"max_fixer_attempts"`
	MaxRetries               int      `yaml:"max_retries"`
	InactivityTimeoutMinutes float64  `yaml:"inactivity_timeout_minutes"`
	PollIntervalMinutes      float64  `yaml:"poll_interval_minutes"`
	StaleTimeoutMinutes      float64  `yaml:"stale_timeout_minutes"`
	AutoApproveLabels        []string `yaml:"auto_approve_labels"`
	BranchPattern            string   `yaml:"branch_pattern"`
	CommitPattern            string   `yaml:"commit_pattern"`
	Model                    string   `yaml:"model"`
}

// Timeout returns the per-run wall-clock limit, 0 when disabled.
func (e ExecutorConfig) Timeout() time.Duration {
	return minutes(e.TimeoutMinutes)
}

// FixerTimeout returns the fixer wall-clock limit, 0 when disabled.
func (e ExecutorConfig) FixerTimeout() time.Duration {
	return minutes(e.FixerTimeoutMinutes)
}

// InactivityTimeout returns the stream silence limit, 0 when disabled.
func (e ExecutorConfig) InactivityTimeout() time.Duration {
	return minutes(e.InactivityTimeoutMinutes)
}

// PollInterval returns the main loop sleep between ticks.
func (e ExecutorConfig) PollInterval() time.Duration {
	return minutes(e.PollIntervalMinutes)
}

// MonitorConfig controls the PR-watching pass.
type MonitorConfig struct {
	RespondToReviews              bool    `yaml:"respond_to_reviews"`
	ReviewResponderTimeoutMinutes float64 `yaml:"review_responder_timeout_minutes"`
}

// GitHubConfig identifies the code-host repository.
type GitHubConfig struct {
	// Repo overrides the origin remote as "owner/repo".
	Repo      string `yaml:"repo"`
	Automerge bool   `yaml:"automerge"`
}

// PersistenceConfig controls the embedded run store.
type PersistenceConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// IsEnabled reports whether the store is on (default true).
func (p PersistenceConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Retention returns the log retention horizon.
func (p PersistenceConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// SandboxConfig controls agent process isolation.
type SandboxConfig struct {
	Enabled             *bool    `yaml:"enabled"`
	AutoAllowBash       bool     `yaml:"auto_allow_bash"`
	NetworkRestricted   bool     `yaml:"network_restricted"`
	ExtraAllowedDomains []string `yaml:"extra_allowed_domains"`
}

// IsEnabled reports whether sandboxing is on (default true).
func (s SandboxConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// BudgetConfig caps spend. A limit of 0 disables that cap.
type BudgetConfig struct {
	DailyLimitUSD    float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD  float64 `yaml:"monthly_limit_usd"`
	PerAgentLimitUSD float64 `yaml:"per_agent_limit_usd"`
	WarnAtPercent    float64 `yaml:"warn_at_percent"`
}

// ReviewerConfig controls the periodic run-review pass.
type ReviewerConfig struct {
	Enabled         bool    `yaml:"enabled"`
	IntervalMinutes float64 `yaml:"interval_minutes"`
	TimeoutMinutes  float64 `yaml:"timeout_minutes"`
	Model           string  `yaml:"model"`
}

// Interval returns how often the reviewer runs.
func (r ReviewerConfig) Interval() time.Duration {
	return minutes(r.IntervalMinutes)
}

// ProjectsConfig controls the project-owner pass.
type ProjectsConfig struct {
	Enabled        bool    `yaml:"enabled"`
	TimeoutMinutes float64 `yaml:"timeout_minutes"`
	Model          string  `yaml:"model"`
}

// PlanningConfig controls the backlog-planning pass.
type PlanningConfig struct {
	Enabled          bool    `yaml:"enabled"`
	IntervalMinutes  float64 `yaml:"interval_minutes"`
	TimeoutMinutes   float64 `yaml:"timeout_minutes"`
	MaxTicketsPerRun int     `yaml:"max_tickets_per_run"`
	Model            string  `yaml:"model"`
}

// WebhookConfig controls the inbound webhook server.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Initialize loads, merges defaults into, and validates the project's
// configuration file. This is the primary entry point.
func Initialize(projectPath string) (*Config, error) {
	path := filepath.Join(projectPath, FileName)
	log := slog.With("config", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"team", cfg.Linear.Team,
		"parallel", cfg.Executor.Parallel,
		"automerge", cfg.GitHub.Automerge)
	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}
	data = ExpandEnv(data)

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Start with defaults, then merge the file on top so unset fields
	// keep their default values.
	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merge defaults: %w", err))
	}
	return cfg, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
