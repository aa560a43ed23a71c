// Package config resolves the analysis core's runtime options from the
// environment, with optional filament profile overrides from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option the core recognizes. Zero-config operation is
// supported: all fields have working defaults.
type Config struct {
	// OutputDir is the root for patched files and persisted analyses.
	OutputDir string
	// StoreDir is the filesystem analysis store directory.
	// Defaults to OutputDir/analysis_store.
	StoreDir string

	// LLMProvider selects the model provider: "gemini" or "openai".
	LLMProvider string
	// LLMModel optionally overrides the provider's default model.
	LLMModel string

	// GlobalRPM and GlobalTPM are the rate limiter capacities.
	GlobalRPM int
	GlobalTPM int
	// UserRPM and UserDailyLimit are the per-caller quotas.
	UserRPM        int
	UserDailyLimit int

	// SnippetWindow is the number of G-code lines of context on each side
	// of an event sent to the LLM validator.
	SnippetWindow int
	// MaxConcurrentLLMCalls bounds validation parallelism.
	MaxConcurrentLLMCalls int

	// AcquireTimeout bounds how long a rate limiter acquisition may block.
	AcquireTimeout time.Duration

	// FilamentProfilePath optionally points at a YAML file overriding the
	// built-in filament temperature defaults.
	FilamentProfilePath string
}

// Defaults mirror the documented option table.
const (
	DefaultGlobalRPM      = 60
	DefaultGlobalTPM      = 1_000_000
	DefaultUserRPM        = 10
	DefaultUserDailyLimit = 200
	DefaultSnippetWindow  = 50
	DefaultMaxConcurrent  = 5
)

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		OutputDir:             envString("OUTPUT_DIR", "output"),
		LLMProvider:           strings.ToLower(envString("LLM_PROVIDER", "gemini")),
		LLMModel:              os.Getenv("LLM_MODEL"),
		GlobalRPM:             envInt("GLOBAL_RPM", DefaultGlobalRPM),
		GlobalTPM:             envInt("GLOBAL_TPM", DefaultGlobalTPM),
		UserRPM:               envInt("USER_RPM", DefaultUserRPM),
		UserDailyLimit:        envInt("USER_DAILY_LIMIT", DefaultUserDailyLimit),
		SnippetWindow:         envInt("SNIPPET_WINDOW", DefaultSnippetWindow),
		MaxConcurrentLLMCalls: envInt("MAX_CONCURRENT_LLM_CALLS", DefaultMaxConcurrent),
		AcquireTimeout:        30 * time.Second,
		FilamentProfilePath:   os.Getenv("FILAMENT_PROFILES"),
	}
	cfg.StoreDir = envString("GCODE_STORE_DIR", filepath.Join(cfg.OutputDir, "analysis_store"))
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// FilamentProfile carries per-material temperature defaults used by the
// rule engine (minimum extrusion temperature) and the patch planner
// (replacement targets).
type FilamentProfile struct {
	Nozzle    int `yaml:"nozzle" json:"nozzle"`
	Bed       int `yaml:"bed" json:"bed"`
	MinNozzle int `yaml:"min_nozzle" json:"min_nozzle"`
}

// builtinFilaments is the authoritative default table. MinNozzle is the
// cold-extrusion floor, not the printing target.
var builtinFilaments = map[string]FilamentProfile{
	"PLA":   {Nozzle: 200, Bed: 60, MinNozzle: 170},
	"ABS":   {Nozzle: 240, Bed: 100, MinNozzle: 220},
	"PETG":  {Nozzle: 230, Bed: 70, MinNozzle: 200},
	"TPU":   {Nozzle: 220, Bed: 50, MinNozzle: 190},
	"NYLON": {Nozzle: 250, Bed: 80, MinNozzle: 230},
	"ASA":   {Nozzle: 245, Bed: 95, MinNozzle: 225},
	"PC":    {Nozzle: 270, Bed: 105, MinNozzle: 250},
}

// Filaments returns the active filament profile table: builtin defaults
// merged with any YAML overrides from FilamentProfilePath.
func (c *Config) Filaments() (map[string]FilamentProfile, error) {
	table := make(map[string]FilamentProfile, len(builtinFilaments))
	for k, v := range builtinFilaments {
		table[k] = v
	}
	if c.FilamentProfilePath == "" {
		return table, nil
	}

	data, err := os.ReadFile(c.FilamentProfilePath)
	if err != nil {
		return nil, fmt.Errorf("read filament profiles: %w", err)
	}
	overrides := make(map[string]FilamentProfile)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse filament profiles: %w", err)
	}
	for k, v := range overrides {
		table[strings.ToUpper(k)] = v
	}
	return table, nil
}

// Filament resolves one material, falling back to PLA for unknown names.
func (c *Config) Filament(name string) FilamentProfile {
	table, err := c.Filaments()
	if err != nil {
		table = builtinFilaments
	}
	if p, ok := table[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return p
	}
	return table["PLA"]
}
