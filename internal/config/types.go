package config

import (
	"time"

	"github.com/lucasnoah/healfactory/internal/scenario"
)

// Config is the top-level configuration structure parsed from healer YAML.
type Config struct {
	App      App             `yaml:"app"`
	Browser  Browser         `yaml:"browser"`
	Vision   Vision          `yaml:"vision"`
	Pipeline Pipeline        `yaml:"pipeline"`
	Database Database        `yaml:"database"`
	Steps    []scenario.Step `yaml:"steps"`
}

// App describes the application under test.
type App struct {
	BaseURL   string `yaml:"base_url"`
	EntryPath string `yaml:"entry_path"`
}

// Browser configures the automation driver.
type Browser struct {
	Bin               string `yaml:"bin"`
	DebuggerURL       string `yaml:"debugger_url"`
	Headless          *bool  `yaml:"headless"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	ActionTimeout     string `yaml:"action_timeout"`
	SettleDelay       string `yaml:"settle_delay"`
}

// Vision configures the multimodal model endpoint.
type Vision struct {
	Backend           string  `yaml:"backend"` // "ollama" or "gemini"
	URL               string  `yaml:"url"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Timeout           string  `yaml:"timeout"`
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoff    string  `yaml:"initial_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	TemplatesDir      string  `yaml:"templates_dir"`
}

// Pipeline holds the cycle and hand-off parameters.
type Pipeline struct {
	MaxCycles          int    `yaml:"max_cycles"`
	MaxFixAttempts     int    `yaml:"max_fix_attempts"`
	FixTimeout         string `yaml:"fix_timeout"`
	SignalPollInterval string `yaml:"signal_poll_interval"`
	SignalMode         string `yaml:"signal_mode"` // "poll" or "watch"
	SignalFile         string `yaml:"signal_file"`
	OutputDir          string `yaml:"output_dir"`
	Agent              Agent  `yaml:"agent"`
}

// Agent optionally launches the fixing agent in a tmux session at the start
// of each fix phase. An empty Command leaves launching to the operator.
type Agent struct {
	Command      string `yaml:"command"`
	Workdir      string `yaml:"workdir"`
	Session      string `yaml:"session"`
	StartupDelay string `yaml:"startup_delay"`
}

// Database configures the event log. An empty DSN uses <output_dir>/healer.db.
type Database struct {
	DSN string `yaml:"dsn"`
}

// EntryURL returns the canonical entry URL of the application.
func (a App) EntryURL() string {
	return a.BaseURL + a.EntryPath
}

// IsHeadless defaults to true when unset.
func (b Browser) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// NavigationTimeoutDuration returns the parsed navigation timeout.
func (b Browser) NavigationTimeoutDuration() time.Duration {
	return parseDuration(b.NavigationTimeout, 30*time.Second)
}

// ActionTimeoutDuration returns the parsed per-action timeout.
func (b Browser) ActionTimeoutDuration() time.Duration {
	return parseDuration(b.ActionTimeout, 10*time.Second)
}

// SettleDelayDuration returns how long to wait before a screenshot.
func (b Browser) SettleDelayDuration() time.Duration {
	return parseDuration(b.SettleDelay, 500*time.Millisecond)
}

// TimeoutDuration returns the per-attempt model call timeout.
func (v Vision) TimeoutDuration() time.Duration {
	return parseDuration(v.Timeout, 120*time.Second)
}

// InitialBackoffDuration returns the wait before the second attempt.
func (v Vision) InitialBackoffDuration() time.Duration {
	return parseDuration(v.InitialBackoff, time.Second)
}

// FixTimeoutDuration returns how long to wait for the fixing agent.
func (p Pipeline) FixTimeoutDuration() time.Duration {
	return parseDuration(p.FixTimeout, 30*time.Minute)
}

// SignalPollIntervalDuration returns the flag-file poll interval.
func (p Pipeline) SignalPollIntervalDuration() time.Duration {
	return parseDuration(p.SignalPollInterval, 5*time.Second)
}

// StartupDelayDuration returns how long to wait between starting the agent
// command and pasting its prompt.
func (a Agent) StartupDelayDuration() time.Duration {
	return parseDuration(a.StartupDelay, 5*time.Second)
}

// SessionName returns the tmux session name, defaulting to "healer-fix".
func (a Agent) SessionName() string {
	if a.Session == "" {
		return "healer-fix"
	}
	return a.Session
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
