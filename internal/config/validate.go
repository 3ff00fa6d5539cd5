package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/lucasnoah/healfactory/internal/scenario"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedBackends = map[string]bool{
	"ollama": true,
	"gemini": true,
}

var recognizedSignalModes = map[string]bool{
	"poll":  true,
	"watch": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.App.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "app.base_url", Message: "is required"})
	} else if u, err := url.Parse(cfg.App.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{Field: "app.base_url", Message: fmt.Sprintf("invalid URL %q", cfg.App.BaseURL)})
	}

	if cfg.Vision.Model == "" {
		errs = append(errs, ValidationError{Field: "vision.model", Message: "is required"})
	}
	if !recognizedBackends[cfg.Vision.Backend] {
		errs = append(errs, ValidationError{Field: "vision.backend", Message: fmt.Sprintf("unrecognized backend %q", cfg.Vision.Backend)})
	}
	if cfg.Vision.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "vision.max_attempts", Message: "must be at least 1"})
	}
	if cfg.Vision.BackoffMultiplier < 1 {
		errs = append(errs, ValidationError{Field: "vision.backoff_multiplier", Message: "must be at least 1"})
	}

	if cfg.Pipeline.MaxCycles < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_cycles", Message: "must be at least 1"})
	}
	if cfg.Pipeline.MaxFixAttempts < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_fix_attempts", Message: "must be at least 1"})
	}
	if !recognizedSignalModes[cfg.Pipeline.SignalMode] {
		errs = append(errs, ValidationError{Field: "pipeline.signal_mode", Message: fmt.Sprintf("unrecognized mode %q", cfg.Pipeline.SignalMode)})
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"browser.navigation_timeout", cfg.Browser.NavigationTimeout},
		{"browser.action_timeout", cfg.Browser.ActionTimeout},
		{"browser.settle_delay", cfg.Browser.SettleDelay},
		{"vision.timeout", cfg.Vision.Timeout},
		{"vision.initial_backoff", cfg.Vision.InitialBackoff},
		{"pipeline.fix_timeout", cfg.Pipeline.FixTimeout},
		{"pipeline.signal_poll_interval", cfg.Pipeline.SignalPollInterval},
		{"pipeline.agent.startup_delay", cfg.Pipeline.Agent.StartupDelay},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.value)})
		}
	}

	if len(cfg.Steps) == 0 {
		errs = append(errs, ValidationError{Field: "steps", Message: "at least one step is required"})
	}
	for _, se := range scenario.Validate(cfg.Steps) {
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("steps[%d].%s", se.Index, se.Field),
			Message: se.Message,
		})
	}

	return errs
}
