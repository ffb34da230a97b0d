package narrative

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/completion"
	"github.com/basket/go-mind/internal/graph"
	"github.com/basket/go-mind/internal/pending"
	"github.com/basket/go-mind/internal/session"
)

type fakeGateway struct {
	mu      sync.Mutex
	calls   []completion.Request
	respond func(n int, req completion.Request) (completion.Result, error)
}

func (f *fakeGateway) Complete(_ context.Context, req completion.Request) (completion.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(n, req)
	}
	return completion.Result{Text: "### [2026-03-01 10:00] A quiet day\n\nI listened and I remembered."}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGateway) call(i int) completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeAdapter struct {
	mu       sync.Mutex
	episodes []graph.Episode
}

func (f *fakeAdapter) AddEpisode(_ context.Context, _ string, ep graph.Episode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes = append(f.episodes, ep)
	return nil
}

func (f *fakeAdapter) SearchNodes(context.Context, string, string) ([]graph.MemoryResult, error) {
	return nil, nil
}

func (f *fakeAdapter) SearchFacts(context.Context, string, string) ([]graph.MemoryResult, error) {
	return nil, nil
}

func (f *fakeAdapter) EpisodesSince(_ context.Context, _ string, since time.Time, _ int) ([]graph.Episode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.Episode
	for _, ep := range f.episodes {
		if ep.Timestamp.After(since) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func testConfig(t *testing.T) (Config, *fakeGateway, *fakeAdapter) {
	t.Helper()
	home := t.TempDir()
	plog, err := pending.New(home)
	if err != nil {
		t.Fatalf("pending log: %v", err)
	}
	gw := &fakeGateway{}
	fa := &fakeAdapter{}
	return Config{
		Scope:       "global-user-memory",
		StoryPath:   filepath.Join(home, "STORY.md"),
		MemoryDir:   filepath.Join(home, "memory"),
		SessionsDir: filepath.Join(home, "sessions"),
		Model:       "test-model",
		Enabled:     true,
		LockDir:     home,
		Pending:     plog,
		Graph:       fa,
		Gateway:     gw,
		Logger:      testLogger(),
	}, gw, fa
}

func seedStory(t *testing.T, e *Engine, body string, anchor time.Time) {
	t.Helper()
	if err := e.story.Write(body, anchor); err != nil {
		t.Fatalf("seed story: %v", err)
	}
}

func TestCheckAndConsolidateBelowThresholdSkips(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.TokenThreshold = 10000
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if err := cfg.Pending.Track("a short exchange"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("gateway must not be called below threshold, got %d calls", gw.callCount())
	}
	if st := cfg.Pending.Status(); st.Messages != 1 {
		t.Fatalf("pending log must survive a skip, got %+v", st)
	}
}

func TestCheckAndConsolidateNothingPendingSkips(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected no gateway calls, got %d", gw.callCount())
	}
}

func TestCheckAndConsolidateFoldsPendingIntoStory(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.TokenThreshold = 10
	events := bus.New()
	cfg.Events = events
	e := NewEngine(cfg)
	sub := events.Subscribe(bus.TopicConsolidationCompleted)

	oldAnchor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedStory(t, e, "The story so far.", oldAnchor)

	turnText := "We spent the whole afternoon planting tomatoes and peppers in the garden behind the house"
	if err := cfg.Pending.Track(turnText); err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	if gw.callCount() != 1 {
		t.Fatalf("expected one synthesis call, got %d", gw.callCount())
	}
	prompt := gw.call(0).Prompt
	if !strings.Contains(prompt, "The story so far.") {
		t.Fatal("prompt must carry the current story")
	}
	if !strings.Contains(prompt, turnText) {
		t.Fatal("prompt must carry the pending transcript")
	}

	body, anchor, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(body, "I listened and I remembered.") {
		t.Fatalf("story not replaced: %q", body)
	}
	if !anchor.After(oldAnchor) {
		t.Fatalf("anchor must advance past %v, got %v", oldAnchor, anchor)
	}

	if st := cfg.Pending.Status(); st.Messages != 0 || st.Tokens != 0 {
		t.Fatalf("pending log must reset after consolidation, got %+v", st)
	}

	select {
	case ev := <-sub.Ch():
		done, ok := ev.Payload.(bus.ConsolidationCompletedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if done.Trigger != "threshold" {
			t.Fatalf("trigger: got %q, want threshold", done.Trigger)
		}
	case <-time.After(time.Second):
		t.Fatal("no consolidation event published")
	}
}

func TestCheckAndConsolidateFailedSynthesisLeavesStoryIntact(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.TokenThreshold = 10
	gw.respond = func(int, completion.Request) (completion.Result, error) {
		return completion.Result{ErrorKind: completion.KindAuth}, nil
	}
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if err := cfg.Pending.Track("we talked for a long while about the old village and the summer fiestas there"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := e.CheckAndConsolidate(context.Background()); err == nil {
		t.Fatal("expected an error from failed synthesis")
	}

	body, _, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if body != "The story so far." {
		t.Fatalf("story must stay intact, got %q", body)
	}
	if st := cfg.Pending.Status(); st.Messages != 1 {
		t.Fatalf("pending log must survive the failure, got %+v", st)
	}
}

func TestCheckAndConsolidateCompressesOvergrownStory(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.TokenThreshold = 10
	long := strings.TrimSpace(strings.Repeat("palabra ", 4200))
	gw.respond = func(n int, _ completion.Request) (completion.Result, error) {
		if n == 1 {
			return completion.Result{Text: long}, nil
		}
		return completion.Result{Text: "### [2026-03-01 10:00] Condensed\n\nI kept what mattered."}, nil
	}
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if err := cfg.Pending.Track("a very long conversation about everything that happened this spring in the garden"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	if gw.callCount() != 2 {
		t.Fatalf("expected synthesis plus compression, got %d calls", gw.callCount())
	}
	if !strings.Contains(gw.call(1).Prompt, "at most 4000 words") {
		t.Fatal("second call must be the compression prompt")
	}
	body, _, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(body, "I kept what mattered.") {
		t.Fatalf("compressed text not persisted: %q", body[:min(len(body), 80)])
	}
}

func TestCheckAndConsolidateKeepsUncompressedOnCompressionFailure(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.TokenThreshold = 10
	long := strings.TrimSpace(strings.Repeat("palabra ", 4200))
	gw.respond = func(n int, _ completion.Request) (completion.Result, error) {
		if n == 1 {
			return completion.Result{Text: long}, nil
		}
		return completion.Result{ErrorKind: completion.KindTimeout}, nil
	}
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if err := cfg.Pending.Track("another very long conversation about everything that happened this spring here"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	body, _, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(strings.Fields(body)) != 4200 {
		t.Fatalf("uncompressed text must be kept, got %d words", len(strings.Fields(body)))
	}
}

func TestCheckAndConsolidateRecoversTranscriptFromGraph(t *testing.T) {
	cfg, gw, fa := testConfig(t)
	cfg.TokenThreshold = 10
	e := NewEngine(cfg)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedStory(t, e, "The story so far.", t0)

	if err := cfg.Pending.Track("this text will vanish with the log file but the counters will survive it"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := os.Remove(cfg.Pending.LogPath()); err != nil {
		t.Fatalf("remove log: %v", err)
	}

	epTime := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fa.episodes = append(fa.episodes, graph.Episode{
		Role:      graph.RoleHuman,
		Body:      "I met Julio at the market",
		Timestamp: epTime,
	})

	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected one synthesis call, got %d", gw.callCount())
	}
	if !strings.Contains(gw.call(0).Prompt, "I met Julio at the market") {
		t.Fatal("recovered transcript missing from prompt")
	}
	_, anchor, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !anchor.Equal(epTime) {
		t.Fatalf("anchor: got %v, want %v", anchor, epTime)
	}
}

func TestBootstrapChunksHistoryFiles(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.AutoBootstrapHistory = true
	cfg.SafeTokenLimit = 10
	gw.respond = func(n int, _ completion.Request) (completion.Result, error) {
		if n == 1 {
			return completion.Result{Text: "I began my garden."}, nil
		}
		return completion.Result{Text: "I began my garden.\n\nThen I traveled."}, nil
	}
	e := NewEngine(cfg)

	if err := os.MkdirAll(cfg.MemoryDir, 0o755); err != nil {
		t.Fatalf("mkdir memory: %v", err)
	}
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(cfg.MemoryDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("2026-01-02.md", "Planted the first tomatoes with Julio in the cold morning.")
	write("2026-01-03-trip.md", "Took the bus to Miguelturra to see my mother for the day.")
	write("notes.md", "not a daily log, must be ignored")

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if gw.callCount() != 2 {
		t.Fatalf("expected two batch flushes, got %d", gw.callCount())
	}
	if !strings.Contains(gw.call(0).Prompt, "Planted the first tomatoes") {
		t.Fatal("first batch missing first file")
	}
	second := gw.call(1).Prompt
	if !strings.Contains(second, "Took the bus to Miguelturra") {
		t.Fatal("second batch missing second file")
	}
	if !strings.Contains(second, "I began my garden.") {
		t.Fatal("second batch must build on the first batch's story")
	}
	if strings.Contains(second, "must be ignored") {
		t.Fatal("non daily-log file leaked into a batch")
	}

	body, anchor, isNew, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if isNew {
		t.Fatal("bootstrap must leave a story behind")
	}
	if !strings.Contains(body, "Then I traveled.") {
		t.Fatalf("unexpected final story: %q", body)
	}
	want := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	if !anchor.Equal(want) {
		t.Fatalf("anchor: got %v, want %v", anchor, want)
	}

	// A second bootstrap over an existing story is a no-op.
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if gw.callCount() != 2 {
		t.Fatalf("second bootstrap must not call the gateway, got %d calls", gw.callCount())
	}
}

func TestBootstrapOptOutWritesSkeleton(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.AutoBootstrapHistory = false
	e := NewEngine(cfg)

	if err := os.MkdirAll(cfg.MemoryDir, 0o755); err != nil {
		t.Fatalf("mkdir memory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.MemoryDir, "2026-01-02.md"), []byte("history"), 0o644); err != nil {
		t.Fatalf("write history: %v", err)
	}

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("opt-out must not call the gateway, got %d calls", gw.callCount())
	}

	body, anchor, isNew, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if isNew {
		t.Fatal("skeleton must leave the new-story state")
	}
	if body != skeletonBody {
		t.Fatalf("unexpected skeleton body: %q", body)
	}
	if !anchor.Equal(epoch) {
		t.Fatalf("skeleton anchor: got %v, want epoch", anchor)
	}
}

func writeTranscriptFile(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir sessions: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSyncGlobalNarratesRecentSessions(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	e := NewEngine(cfg)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedStory(t, e, "The story so far.", t0)

	writeTranscriptFile(t, cfg.SessionsDir, "s1.jsonl", []string{
		`{"type":"message","role":"user","content":"Ancient history before the anchor","timestamp":"2026-02-01T10:00:00Z"}`,
		`{"type":"message","role":"user","content":"HEARTBEAT_OK","timestamp":"2026-03-01T09:30:00Z"}`,
		`{"type":"message","role":"user","content":"We walked to the plaza","timestamp":"2026-03-01T10:00:00Z"}`,
	})
	writeTranscriptFile(t, cfg.SessionsDir, "s2.jsonl", []string{
		`{"type":"message","role":"assistant","content":"Breakfast talk about the garden","timestamp":"2026-03-01T09:00:00Z"}`,
	})

	if err := e.SyncGlobal(context.Background(), ""); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if gw.callCount() != 1 {
		t.Fatalf("expected one batch, got %d calls", gw.callCount())
	}
	prompt := gw.call(0).Prompt
	if strings.Contains(prompt, "Ancient history") {
		t.Fatal("pre-anchor message leaked into the batch")
	}
	if strings.Contains(prompt, "HEARTBEAT_OK") {
		t.Fatal("heartbeat leaked into the batch")
	}
	bi := strings.Index(prompt, "Breakfast talk about the garden")
	pi := strings.Index(prompt, "We walked to the plaza")
	if bi < 0 || pi < 0 {
		t.Fatalf("eligible messages missing from prompt")
	}
	if bi > pi {
		t.Fatal("messages must be narrated in chronological order")
	}

	_, anchor, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !anchor.Equal(want) {
		t.Fatalf("anchor: got %v, want %v", anchor, want)
	}

	if _, err := os.Stat(filepath.Join(cfg.LockDir, lockName)); !os.IsNotExist(err) {
		t.Fatal("narrative lock not released")
	}
}

func TestSyncGlobalSkipsWhileLockHeld(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	writeTranscriptFile(t, cfg.SessionsDir, "s1.jsonl", []string{
		`{"type":"message","role":"user","content":"We walked to the plaza","timestamp":"2026-03-01T10:00:00Z"}`,
	})
	lockPath := writeLockFile(t, cfg.LockDir, lockInfo{PID: 4242, StartedAt: time.Now().UTC()})

	if err := e.SyncGlobal(context.Background(), ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("held lock must skip the sync, got %d calls", gw.callCount())
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("foreign lock must be left in place: %v", err)
	}
}

func TestSyncGlobalStealsStaleLock(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	writeTranscriptFile(t, cfg.SessionsDir, "s1.jsonl", []string{
		`{"type":"message","role":"user","content":"We walked to the plaza","timestamp":"2026-03-01T10:00:00Z"}`,
	})
	writeLockFile(t, cfg.LockDir, lockInfo{PID: 4242, StartedAt: time.Now().UTC().Add(-3 * time.Minute)})

	if err := e.SyncGlobal(context.Background(), ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("stale lock must be stolen and the sync run, got %d calls", gw.callCount())
	}
	if _, err := os.Stat(filepath.Join(cfg.LockDir, lockName)); !os.IsNotExist(err) {
		t.Fatal("stolen lock not released after the sync")
	}
}

func TestSyncWithSessionFiltersAndNarrates(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	e := NewEngine(cfg)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedStory(t, e, "The story so far.", t0)

	msgs := []session.Message{
		{Type: "message", Role: "user", Content: "Before the anchor", Timestamp: "2026-02-01T10:00:00Z"},
		{Type: "message", Role: "user", Content: "HEARTBEAT_OK", Timestamp: "2026-03-02T10:00:00Z"},
		{Type: "message", Role: "assistant", Content: "I promised to call Julio", Timestamp: "2026-03-02T11:00:00Z"},
	}
	e.SyncWithSession(context.Background(), msgs)

	if gw.callCount() != 1 {
		t.Fatalf("expected one batch, got %d calls", gw.callCount())
	}
	prompt := gw.call(0).Prompt
	if strings.Contains(prompt, "Before the anchor") {
		t.Fatal("pre-anchor message leaked into the batch")
	}
	if !strings.Contains(prompt, "I promised to call Julio") {
		t.Fatal("eligible message missing from the batch")
	}
	_, anchor, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC); !anchor.Equal(want) {
		t.Fatalf("anchor: got %v, want %v", anchor, want)
	}
}

func TestSyncWithSessionSwallowsFailures(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	gw.respond = func(int, completion.Request) (completion.Result, error) {
		return completion.Result{}, errors.New("gateway exploded")
	}
	e := NewEngine(cfg)
	seedStory(t, e, "The story so far.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	e.SyncWithSession(context.Background(), []session.Message{
		{Type: "message", Role: "user", Content: "New message", Timestamp: "2026-03-02T10:00:00Z"},
	})

	body, _, _, err := e.story.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if body != "The story so far." {
		t.Fatalf("story must stay intact after a failed sync, got %q", body)
	}
}

func TestEngineDisabledDoesNothing(t *testing.T) {
	cfg, gw, _ := testConfig(t)
	cfg.Enabled = false
	e := NewEngine(cfg)

	if err := cfg.Pending.Track("some pending text that will never be narrated by this engine"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := e.CheckAndConsolidate(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := e.SyncGlobal(context.Background(), ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("disabled engine must not call the gateway, got %d calls", gw.callCount())
	}
	if _, err := os.Stat(cfg.StoryPath); !os.IsNotExist(err) {
		t.Fatal("disabled engine must not create a story file")
	}
}
