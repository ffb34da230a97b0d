package doctor

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-mind/internal/config"
	"github.com/basket/go-mind/internal/narrative"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return cfg
}

func TestRunProducesAllChecks(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	diag := Run(ctx, cfg, "test")

	want := []string{"Config", "API Key", "Permissions", "Story", "Graph", "Sync Lock", "Network"}
	if len(diag.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(diag.Results), len(want))
	}
	for i, name := range want {
		if diag.Results[i].Name != name {
			t.Fatalf("result %d = %q, want %q", i, diag.Results[i].Name, name)
		}
	}
	if diag.System.Go == "" || diag.System.Version != "test" {
		t.Fatalf("system info incomplete: %+v", diag.System)
	}
}

func TestCheckConfig_FirstRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.FirstRun = true
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("status = %s, want WARN on first run", got.Status)
	}
	cfg.FirstRun = false
	if got := checkConfig(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s, want PASS with config present", got.Status)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	cfg := testConfig(t)
	cfg.LLM.Provider = "google"
	cfg.Providers = nil

	got := checkAPIKey(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("status = %s, want WARN without a key", got.Status)
	}
	if !strings.Contains(got.Message, "GEMINI_API_KEY") {
		t.Fatalf("message %q does not name the env var", got.Message)
	}

	t.Setenv("GEMINI_API_KEY", "k")
	if got := checkAPIKey(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s, want PASS with key set", got.Status)
	}
}

func TestCheckStory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Narrative.StoryFilename = "STORY.md"

	got := checkStory(context.Background(), cfg)
	if got.Status != "PASS" || got.Message != "Not written yet" {
		t.Fatalf("missing story: got %+v", got)
	}

	body := "<!-- LAST_PROCESSED: 2026-08-01T00:00:00Z -->\nMi historia de agosto.\n"
	if err := os.WriteFile(cfg.StoryPath(), []byte(body), 0o644); err != nil {
		t.Fatalf("write story: %v", err)
	}
	got = checkStory(context.Background(), cfg)
	if got.Status != "PASS" || !strings.Contains(got.Message, "anchor 2026-08-01T00:00:00Z") {
		t.Fatalf("anchored story: got %+v", got)
	}

	if err := os.WriteFile(cfg.StoryPath(), []byte("Historia sin ancla.\n"), 0o644); err != nil {
		t.Fatalf("rewrite story: %v", err)
	}
	if got := checkStory(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("anchorless story: got %+v", got)
	}
}

func TestSyncLockStatus(t *testing.T) {
	dir := t.TempDir()
	if got := syncLockStatus(dir); got.Status != "PASS" {
		t.Fatalf("no lock file: got %+v", got)
	}

	path := narrative.NewLock(dir, slog.Default()).Path()
	if err := os.WriteFile(path, []byte(`{"pid":1}`), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	if got := syncLockStatus(dir); got.Status != "WARN" {
		t.Fatalf("held lock: got %+v", got)
	}
}

func TestCheckGraph_LocalStore(t *testing.T) {
	cfg := testConfig(t)
	got := checkGraph(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("fresh local store: got %+v", got)
	}
	if !strings.Contains(got.Detail, "mind.db") {
		t.Fatalf("detail %q does not name the db", got.Detail)
	}
}

func TestCheckGraph_GraphitiUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Graphiti.BaseURL = "http://127.0.0.1:1"
	got := checkGraph(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Fatalf("unreachable graphiti: got %+v", got)
	}
}
