// Package doctor runs environment diagnostics for the memory
// subsystem: configuration, credentials, storage, story file, sync
// lock and provider reachability.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-mind/internal/config"
	"github.com/basket/go-mind/internal/graph/graphiti"
	"github.com/basket/go-mind/internal/graph/localgraph"
	"github.com/basket/go-mind/internal/narrative"
	"github.com/basket/go-mind/internal/tokenutil"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkPermissions,
		checkStory,
		checkGraph,
		checkSyncLock,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg config.Config) CheckResult {
	if cfg.FirstRun {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml, defaults active",
			Detail:  fmt.Sprintf("Write %s to customize", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg config.Config) CheckResult {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if provider == "" {
		provider = "google"
	}

	if cfg.LLMAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key available for %s", provider)}
	}

	envVars := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "WARN", Message: fmt.Sprintf("Unknown provider %q", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  "Consolidation and resonance degrade to no-ops without it",
	}
}

func checkPermissions(_ context.Context, cfg config.Config) CheckResult {
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkStory(_ context.Context, cfg config.Config) CheckResult {
	story := narrative.NewStoryFile(cfg.StoryPath(), slog.Default())
	body, anchor, isNew, err := story.Load()
	if err != nil {
		return CheckResult{Name: "Story", Status: "FAIL", Message: fmt.Sprintf("Unreadable: %v", err)}
	}
	if isNew {
		return CheckResult{Name: "Story", Status: "PASS", Message: "Not written yet"}
	}
	msg := fmt.Sprintf("%d words", tokenutil.WordCount(body))
	if anchor.IsZero() {
		return CheckResult{
			Name:    "Story",
			Status:  "WARN",
			Message: msg + ", no anchor",
			Detail:  "The next consolidation will reprocess the whole backlog",
		}
	}
	return CheckResult{Name: "Story", Status: "PASS", Message: fmt.Sprintf("%s, anchor %s", msg, anchor.UTC().Format(time.RFC3339))}
}

func checkGraph(ctx context.Context, cfg config.Config) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	since := time.Now().Add(-time.Hour)

	if base := strings.TrimSpace(cfg.Graphiti.BaseURL); base != "" {
		client := graphiti.New(base, slog.Default())
		if _, err := client.EpisodesSince(probeCtx, cfg.Scope, since, 1); err != nil {
			return CheckResult{Name: "Graph", Status: "FAIL", Message: fmt.Sprintf("Graphiti unreachable: %v", err), Detail: base}
		}
		return CheckResult{Name: "Graph", Status: "PASS", Message: "Graphiti reachable", Detail: base}
	}

	dbPath := filepath.Join(cfg.HomeDir, "mind.db")
	store, err := localgraph.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Graph", Status: "FAIL", Message: fmt.Sprintf("Local store open failed: %v", err), Detail: dbPath}
	}
	defer store.Close()
	if _, err := store.EpisodesSince(probeCtx, cfg.Scope, since, 1); err != nil {
		return CheckResult{Name: "Graph", Status: "FAIL", Message: fmt.Sprintf("Local store query failed: %v", err), Detail: dbPath}
	}
	return CheckResult{Name: "Graph", Status: "PASS", Message: "Local store and schema valid", Detail: dbPath}
}

func checkSyncLock(_ context.Context, _ config.Config) CheckResult {
	return syncLockStatus("")
}

// syncLockStatus reports on the lock under dir; the empty dir means
// the OS temp default that production syncs use.
func syncLockStatus(dir string) CheckResult {
	lock := narrative.NewLock(dir, slog.Default())
	fi, err := os.Stat(lock.Path())
	if err != nil {
		return CheckResult{Name: "Sync Lock", Status: "PASS", Message: "Not held"}
	}
	age := time.Since(fi.ModTime()).Round(time.Second)
	return CheckResult{
		Name:    "Sync Lock",
		Status:  "WARN",
		Message: fmt.Sprintf("Held for %s", age),
		Detail:  fmt.Sprintf("%s; stale locks are stolen by the next sync", lock.Path()),
	}
}

func checkNetwork(ctx context.Context, cfg config.Config) CheckResult {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if provider == "" {
		provider = "google"
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openrouter":        "openrouter.ai",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}
	if provider == "openai_compatible" && cfg.LLM.OpenAICompatibleBaseURL != "" {
		if u := strings.TrimPrefix(strings.TrimPrefix(cfg.LLM.OpenAICompatibleBaseURL, "https://"), "http://"); u != "" {
			host = strings.Split(strings.Split(u, "/")[0], ":")[0]
		}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}
