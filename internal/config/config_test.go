package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-mind/internal/config"
)

func TestLoadDefaultsWhenConfigMissing(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIND_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatal("expected FirstRun=true when config.yaml is missing")
	}
	if cfg.Scope != "global-user-memory" {
		t.Fatalf("scope: got %q", cfg.Scope)
	}
	if !cfg.Narrative.Enabled {
		t.Fatal("narrative must default to enabled")
	}
	if cfg.Narrative.Threshold != 5000 {
		t.Fatalf("threshold: got %d, want 5000", cfg.Narrative.Threshold)
	}
	if cfg.Narrative.StoryFilename != "STORY.md" {
		t.Fatalf("story_filename: got %q", cfg.Narrative.StoryFilename)
	}
	if !cfg.Narrative.AutoBootstrapHistory {
		t.Fatal("auto_bootstrap_history must default to enabled")
	}
	if cfg.Narrative.Schedule != "*/30 * * * *" {
		t.Fatalf("schedule: got %q", cfg.Narrative.Schedule)
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("llm defaults: got %q/%q", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.StoryPath() != filepath.Join(home, "STORY.md") {
		t.Fatalf("story path: got %q", cfg.StoryPath())
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `debug: true
scope: casa
graphiti:
  base_url: http://localhost:8000/
narrative:
  enabled: false
  threshold: 200
  story_filename: LIFE.md
llm:
  provider: Anthropic
  model: claude-sonnet-4-5
  fallback_model: claude-haiku-4-5
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIND_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FirstRun {
		t.Fatal("FirstRun must be false when config.yaml exists")
	}
	if cfg.Scope != "casa" {
		t.Fatalf("scope: got %q", cfg.Scope)
	}
	if cfg.Graphiti.BaseURL != "http://localhost:8000" {
		t.Fatalf("base_url must drop the trailing slash: got %q", cfg.Graphiti.BaseURL)
	}
	if cfg.Narrative.Enabled {
		t.Fatal("narrative.enabled=false must stick")
	}
	if cfg.Narrative.Threshold != 200 {
		t.Fatalf("threshold: got %d", cfg.Narrative.Threshold)
	}
	if cfg.Narrative.StoryFilename != "LIFE.md" {
		t.Fatalf("story_filename: got %q", cfg.Narrative.StoryFilename)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("provider must be lowercased: got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.FallbackModel != "claude-haiku-4-5" {
		t.Fatalf("fallback_model: got %q", cfg.LLM.FallbackModel)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("debug:true must lower the log level, got %q", cfg.LogLevel)
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("narrative:\n  threshold: 42\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIND_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Narrative.Threshold != 42 {
		t.Fatalf("threshold: got %d", cfg.Narrative.Threshold)
	}
	if !cfg.Narrative.Enabled {
		t.Fatal("keys absent from the yaml must keep their defaults")
	}
	if cfg.Narrative.StoryFilename != "STORY.md" {
		t.Fatalf("story_filename: got %q", cfg.Narrative.StoryFilename)
	}
}

func TestLoadReadsSoul(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "SOUL.md"), []byte("# Quien soy\nUna mente tranquila."), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}
	t.Setenv("MIND_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(cfg.SOUL, "Una mente tranquila") {
		t.Fatalf("soul contents: %q", cfg.SOUL)
	}
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("narrative:\n  threshold: 200\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIND_HOME", home)
	t.Setenv("MIND_NARRATIVE_THRESHOLD", "999")
	t.Setenv("MIND_NARRATIVE_ENABLED", "false")
	t.Setenv("MIND_GRAPHITI_BASE_URL", "http://graph:8000/")
	t.Setenv("MIND_MODEL", "gemini-2.5-pro")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Narrative.Threshold != 999 {
		t.Fatalf("threshold: got %d, want 999", cfg.Narrative.Threshold)
	}
	if cfg.Narrative.Enabled {
		t.Fatal("MIND_NARRATIVE_ENABLED=false must win")
	}
	if cfg.Graphiti.BaseURL != "http://graph:8000" {
		t.Fatalf("base_url: got %q", cfg.Graphiti.BaseURL)
	}
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Fatalf("model: got %q", cfg.LLM.Model)
	}
}

func TestHomeDirHonorsOverride(t *testing.T) {
	t.Setenv("MIND_HOME", "/srv/mind-home")
	if got := config.HomeDir(); got != "/srv/mind-home" {
		t.Fatalf("home: got %q", got)
	}

	t.Setenv("MIND_HOME", "")
	t.Setenv("HOME", "/home/paca")
	if got := config.HomeDir(); got != filepath.Join("/home/paca", ".gomind") {
		t.Fatalf("home: got %q", got)
	}
}

func TestLLMAPIKeyEnvWinsOverFile(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic":  {APIKey: "file-key"},
		"openrouter": {APIKey: "router-file-key"},
	}}

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := cfg.LLMAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("anthropic key: got %q", got)
	}

	t.Setenv("OPENROUTER_API_KEY", "")
	if got := cfg.LLMAPIKey("openrouter"); got != "router-file-key" {
		t.Fatalf("openrouter key: got %q", got)
	}
}

func TestFingerprintTracksBehaviourChanges(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIND_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Narrative.Threshold = 100
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("threshold change must change the fingerprint")
	}
}
