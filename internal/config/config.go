// Package config loads the subsystem configuration: defaults, then
// <home>/config.yaml, then MIND_* environment overrides, then the
// SOUL.md persona text.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GraphitiConfig points the graph adapter at a Graphiti-style HTTP
// service. An empty base URL selects the local sqlite store.
type GraphitiConfig struct {
	BaseURL string `yaml:"base_url"`
}

// NarrativeConfig gates and tunes story consolidation.
type NarrativeConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Threshold            int    `yaml:"threshold"`
	StoryFilename        string `yaml:"story_filename"`
	AutoBootstrapHistory bool   `yaml:"auto_bootstrap_history"`

	// Schedule is the cron expression for the periodic consolidation
	// check run by the daemon.
	Schedule string `yaml:"schedule"`
}

// ProviderConfig holds per-provider credentials. Environment variables
// take precedence, see LLMAPIKey.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
}

// LLMConfig names the completion provider and models.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai",
	// "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// FallbackModel, when set, is retried once after a dead completion.
	FallbackModel string `yaml:"fallback_model"`

	// OpenAICompatible endpoint settings.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// OtelConfig controls trace and metric export. Enabled with an empty
// endpoint exports to stdout.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Scope is the graph partition all episodes and searches use.
	Scope    string `yaml:"scope"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	Graphiti  GraphitiConfig  `yaml:"graphiti"`
	Narrative NarrativeConfig `yaml:"narrative"`
	LLM       LLMConfig       `yaml:"llm"`
	Otel      OtelConfig      `yaml:"otel"`

	// Providers holds per-provider API keys keyed by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// SOUL is the persona text from <home>/SOUL.md, empty when absent.
	SOUL string `yaml:"-"`

	// FirstRun reports that no config.yaml existed and defaults are
	// active.
	FirstRun bool `yaml:"-"`
}

// StoryPath is the canonical narrative file location.
func (c Config) StoryPath() string {
	return filepath.Join(c.HomeDir, c.Narrative.StoryFilename)
}

// MemoryDir holds historical daily logs (YYYY-MM-DD*.md).
func (c Config) MemoryDir() string {
	return filepath.Join(c.HomeDir, "memory")
}

// SessionsDir holds NDJSON session transcripts.
func (c Config) SessionsDir() string {
	return filepath.Join(c.HomeDir, "sessions")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// LLMAPIKey returns the API key for the given provider. Env vars take
// precedence: GEMINI_API_KEY / GOOGLE_API_KEY, ANTHROPIC_API_KEY,
// OPENAI_API_KEY, OPENROUTER_API_KEY.
func (c Config) LLMAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		return c.Providers[provider].APIKey
	}
	return ""
}

// Fingerprint returns a stable hash of the settings that change
// runtime behaviour, for the startup log line.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "scope=%s|graph=%s|narrative=%t|threshold=%d|story=%s|provider=%s|model=%s|debug=%t",
		c.Scope, c.Graphiti.BaseURL, c.Narrative.Enabled, c.Narrative.Threshold,
		c.Narrative.StoryFilename, c.LLM.Provider, c.LLM.Model, c.Debug)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Scope:    "global-user-memory",
		LogLevel: "info",
		Narrative: NarrativeConfig{
			Enabled:              true,
			Threshold:            5000,
			StoryFilename:        "STORY.md",
			AutoBootstrapHistory: true,
			Schedule:             "*/30 * * * *",
		},
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
	}
}

// HomeDir resolves the subsystem home: the MIND_HOME override when
// set, else ~/.gomind.
func HomeDir() string {
	if override := os.Getenv("MIND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gomind")
}

// Load reads the configuration from the default home directory.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the configuration rooted at homeDir, creating the
// directory when missing. Keys absent from config.yaml keep their
// defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gomind home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadSoul(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MIND_SCOPE"); raw != "" {
		cfg.Scope = raw
	}
	if raw := os.Getenv("MIND_DEBUG"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Debug = v
		}
	}
	if raw := os.Getenv("MIND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MIND_GRAPHITI_BASE_URL"); raw != "" {
		cfg.Graphiti.BaseURL = raw
	}
	if raw := os.Getenv("MIND_NARRATIVE_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Narrative.Enabled = v
		}
	}
	if raw := os.Getenv("MIND_NARRATIVE_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Narrative.Threshold = v
		}
	}
	if raw := os.Getenv("MIND_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("MIND_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("MIND_FALLBACK_MODEL"); raw != "" {
		cfg.LLM.FallbackModel = raw
	}
	if raw := os.Getenv("MIND_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Enabled = true
		cfg.Otel.Endpoint = raw
	}
}

func loadSoul(cfg *Config) {
	if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "SOUL.md")); err == nil {
		cfg.SOUL = string(b)
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Scope) == "" {
		cfg.Scope = "global-user-memory"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.Narrative.Threshold <= 0 {
		cfg.Narrative.Threshold = 5000
	}
	if strings.TrimSpace(cfg.Narrative.StoryFilename) == "" {
		cfg.Narrative.StoryFilename = "STORY.md"
	}
	if strings.TrimSpace(cfg.Narrative.Schedule) == "" {
		cfg.Narrative.Schedule = "*/30 * * * *"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	cfg.Graphiti.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Graphiti.BaseURL), "/")
}
