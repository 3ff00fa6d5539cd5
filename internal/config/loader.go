package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a healer configuration from the given YAML file path.
// After parsing, it fills in defaults for every field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./healer.yaml, ~/.healer/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"healer.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".healer", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no healer config found (searched: %v)", candidates)
}

// Defaults returns a configuration holding only default values.
func Defaults() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.EntryPath == "" {
		cfg.App.EntryPath = "/"
	}

	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = 1920
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = 1080
	}

	v := &cfg.Vision
	if v.Backend == "" {
		v.Backend = "ollama"
	}
	if v.URL == "" && v.Backend == "ollama" {
		v.URL = "http://localhost:11434"
	}
	if v.MaxAttempts == 0 {
		v.MaxAttempts = 3
	}
	if v.BackoffMultiplier == 0 {
		v.BackoffMultiplier = 2
	}
	if v.APIKeyEnv == "" && v.Backend == "gemini" {
		v.APIKeyEnv = "GEMINI_API_KEY"
	}

	p := &cfg.Pipeline
	if p.MaxCycles == 0 {
		p.MaxCycles = 5
	}
	if p.MaxFixAttempts == 0 {
		p.MaxFixAttempts = 3
	}
	if p.SignalMode == "" {
		p.SignalMode = "poll"
	}
	if p.OutputDir == "" {
		p.OutputDir = ".healer"
	}
	if p.SignalFile == "" {
		p.SignalFile = filepath.Join(p.OutputDir, ".fixes-applied")
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(p.OutputDir, "healer.db")
	}
}
