package main

import (
	"testing"

	"github.com/basket/go-mind/internal/config"
)

// testHomeConfig loads defaults against a throwaway home directory.
func testHomeConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return cfg
}

func TestLoadConfig_FlagBeatsEnv(t *testing.T) {
	envHome := t.TempDir()
	flagHome := t.TempDir()
	t.Setenv("MIND_HOME", envHome)

	cfg, err := loadConfig(flagHome, false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HomeDir != flagHome {
		t.Fatalf("HomeDir = %q, want flag dir %q", cfg.HomeDir, flagHome)
	}
}

func TestLoadConfig_EnvHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIND_HOME", home)

	cfg, err := loadConfig("", false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
}

func TestLoadConfig_DebugOverride(t *testing.T) {
	cfg, err := loadConfig(t.TempDir(), true)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !cfg.Debug || cfg.LogLevel != "debug" {
		t.Fatalf("Debug = %t, LogLevel = %q, want true and debug", cfg.Debug, cfg.LogLevel)
	}
}
