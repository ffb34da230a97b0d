package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/completion"
	"github.com/basket/go-mind/internal/graph"
	"github.com/basket/go-mind/internal/pending"
	"github.com/basket/go-mind/internal/session"
	"github.com/basket/go-mind/internal/textutil"
	"github.com/basket/go-mind/internal/timeutil"
	"github.com/basket/go-mind/internal/tokenutil"
)

const (
	// DefaultTokenThreshold is the pending-token level that triggers a
	// consolidation cycle.
	DefaultTokenThreshold = 5000

	// DefaultSafeTokenLimit caps one synthesis batch. Roughly half a
	// mid-size model context window, leaving room for the prompt
	// scaffolding and the current story.
	DefaultSafeTokenLimit = 60000

	// maxStoryWords triggers the compression pass when the synthesized
	// story exceeds it.
	maxStoryWords = 4000

	// recentTranscriptLimit bounds how many session transcripts global
	// sync inspects.
	recentTranscriptLimit = 5
)

const skeletonBody = "My story has not begun yet. The next conversations will write it."

// Config wires a consolidation engine. Zero thresholds take defaults.
type Config struct {
	Scope                string
	StoryPath            string
	MemoryDir            string // historical daily logs, YYYY-MM-DD*.md
	SessionsDir          string
	Model                string
	TokenThreshold       int
	SafeTokenLimit       int
	AutoBootstrapHistory bool
	Enabled              bool
	LockDir              string // empty means the OS temp dir

	Pending *pending.Log
	Graph   graph.Adapter
	Gateway completion.Gateway
	Events  *bus.Bus
	Logger  *slog.Logger
}

// Engine folds accumulated conversation into the story. All entry
// points serialize on an internal mutex; cross-process exclusion for
// global sync additionally goes through the narrative lock.
type Engine struct {
	cfg     Config
	story   *StoryFile
	lock    *Lock
	pending *pending.Log
	graph   graph.Adapter
	gateway completion.Gateway
	events  *bus.Bus
	logger  *slog.Logger
	now     func() time.Time

	runMu sync.Mutex

	identityMu sync.RWMutex
	identity   string
}

func NewEngine(cfg Config) *Engine {
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = DefaultTokenThreshold
	}
	if cfg.SafeTokenLimit <= 0 {
		cfg.SafeTokenLimit = DefaultSafeTokenLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		story:   NewStoryFile(cfg.StoryPath, cfg.Logger),
		lock:    NewLock(cfg.LockDir, cfg.Logger),
		pending: cfg.Pending,
		graph:   cfg.Graph,
		gateway: cfg.Gateway,
		events:  cfg.Events,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// SetEnabled flips the consolidation gate at runtime, for config hot
// reloads. Waits out any in-flight run.
func (e *Engine) SetEnabled(enabled bool) {
	e.runMu.Lock()
	e.cfg.Enabled = enabled
	e.runMu.Unlock()
}

// SetIdentity replaces the identity bundle fed verbatim into every
// synthesis prompt. Safe to call while consolidations run.
func (e *Engine) SetIdentity(identity string) {
	e.identityMu.Lock()
	e.identity = identity
	e.identityMu.Unlock()
}

func (e *Engine) identitySnapshot() string {
	e.identityMu.RLock()
	defer e.identityMu.RUnlock()
	return e.identity
}

// Story returns the current narrative body, empty when none exists yet.
func (e *Engine) Story() (string, error) {
	body, _, _, err := e.story.Load()
	return body, err
}

// StoryInfo returns the body plus the anchor and new-file flag, for
// status surfaces that report more than the text.
func (e *Engine) StoryInfo() (body string, anchor time.Time, isNew bool, err error) {
	return e.story.Load()
}

// CheckAndConsolidate runs one consolidation cycle: below the token
// threshold it is a cheap no-op, above it the pending transcript is
// folded into the story and the pending log reset. A brand-new story
// takes the bootstrap branch instead.
func (e *Engine) CheckAndConsolidate(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.cfg.Enabled {
		e.skip("disabled")
		return nil
	}
	body, anchor, isNew, err := e.story.Load()
	if err != nil {
		return err
	}
	if isNew {
		return e.bootstrap(ctx)
	}

	st := e.pending.Status()
	if st.Messages == 0 && st.Tokens == 0 {
		e.skip("nothing-pending")
		return nil
	}
	if st.Tokens < e.cfg.TokenThreshold {
		e.skip("below-threshold")
		return nil
	}

	transcript := e.pending.ReadTranscript()
	if transcript == "" {
		// Status says work is pending but the log file is gone.
		// Recover the turns from the graph instead.
		e.logger.Warn("pending log missing, recovering transcript from graph",
			"messages", st.Messages, "tokens", st.Tokens)
		transcript = e.transcriptFromGraph(ctx, anchor)
	}
	if transcript == "" {
		e.skip("no-transcript")
		return nil
	}

	if _, err := e.consolidate(ctx, transcript, body, e.batchAnchor(transcript, anchor), "threshold"); err != nil {
		return err
	}
	if err := e.pending.Reset(); err != nil {
		return fmt.Errorf("narrative: reset pending log: %w", err)
	}
	return nil
}

// Bootstrap builds the first story from historical daily logs. No-op
// when a story already exists.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.cfg.Enabled {
		e.skip("disabled")
		return nil
	}
	_, _, isNew, err := e.story.Load()
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}
	return e.bootstrap(ctx)
}

func (e *Engine) bootstrap(ctx context.Context) error {
	files, err := e.historyFiles()
	if err != nil {
		return err
	}
	if !e.cfg.AutoBootstrapHistory || len(files) == 0 {
		return e.writeSkeleton()
	}
	e.logger.Info("bootstrapping story from history", "files", len(files))

	current := ""
	var (
		batch       strings.Builder
		batchTokens int
		anchor      time.Time
	)
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		a := anchor
		if a.IsZero() {
			a = e.now()
		}
		updated, err := e.consolidate(ctx, batch.String(), current, a, "bootstrap")
		if err != nil {
			return err
		}
		current = updated
		batch.Reset()
		batchTokens = 0
		return nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("cannot read history file, skipping", "path", path, "error", err)
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		fileTokens := tokenutil.EstimateTokens(content)
		if batchTokens+fileTokens > e.cfg.SafeTokenLimit && batch.Len() > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		if d, ok := dateFromFilename(filepath.Base(path)); ok && d.After(anchor) {
			anchor = d
		}
		fmt.Fprintf(&batch, "%s\n---\n", content)
		batchTokens += fileTokens
	}
	if err := flush(); err != nil {
		return err
	}
	if current == "" {
		// Every file was empty or unreadable. Leave the new-story
		// state anyway so consolidation can start from live turns.
		return e.writeSkeleton()
	}
	return nil
}

// SyncGlobal folds messages from recent session transcripts that
// arrived after the story's high-water mark, typically at startup to
// catch up on sessions ended by other processes. excludePath drops the
// caller's own transcript.
func (e *Engine) SyncGlobal(ctx context.Context, excludePath string) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.cfg.Enabled {
		e.skip("disabled")
		return nil
	}
	ok, err := e.lock.Acquire()
	if err != nil {
		return err
	}
	if !ok {
		e.skip("lock-held")
		return nil
	}
	defer func() {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("cannot release narrative lock", "error", err)
		}
	}()

	_, anchor, _, err := e.story.Load()
	if err != nil {
		return err
	}
	paths, err := session.RecentTranscripts(e.cfg.SessionsDir, recentTranscriptLimit, excludePath)
	if err != nil {
		return err
	}
	var turns []turn
	for _, p := range paths {
		entries, err := session.Scan(p)
		if err != nil {
			e.logger.Warn("cannot scan session transcript", "path", p, "error", err)
			continue
		}
		turns = append(turns, eligibleTurns(entries, anchor)...)
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].ts.Before(turns[j].ts) })
	return e.narrateTurns(ctx, turns, "global-sync")
}

// SyncWithSession folds the caller's in-memory message list into the
// story, typically after a context compaction discarded turns the
// pending log never saw. Errors and panics are logged, never
// propagated.
func (e *Engine) SyncWithSession(ctx context.Context, msgs []session.Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("session sync panic", "panic", r)
		}
	}()
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.cfg.Enabled {
		return
	}
	_, anchor, _, err := e.story.Load()
	if err != nil {
		e.logger.Warn("session sync: cannot load story", "error", err)
		return
	}
	if err := e.narrateTurns(ctx, eligibleTurns(msgs, anchor), "compaction"); err != nil {
		e.logger.Warn("session sync failed", "error", err)
	}
}

// turn is one eligible conversation message.
type turn struct {
	role string
	text string
	ts   time.Time
}

// eligibleTurns keeps textual message entries newer than anchor,
// dropping heartbeats.
func eligibleTurns(entries []session.Message, anchor time.Time) []turn {
	var out []turn
	for _, m := range entries {
		if m.Type != "message" {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" || textutil.IsHeartbeat(text) {
			continue
		}
		ts, ok := m.Time()
		if !ok || !ts.After(anchor) {
			continue
		}
		out = append(out, turn{role: m.Role, text: text, ts: ts})
	}
	return out
}

// narrateTurns feeds turns through synthesis in safe-token batches,
// anchoring each batch at its last message timestamp. A failed batch
// aborts the loop so the un-narrated tail stays eligible for the next
// sync.
func (e *Engine) narrateTurns(ctx context.Context, turns []turn, trigger string) error {
	if len(turns) == 0 {
		e.skip("nothing-pending")
		return nil
	}
	current, _, _, err := e.story.Load()
	if err != nil {
		return err
	}
	var (
		batch       strings.Builder
		batchTokens int
		batchEnd    time.Time
	)
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		updated, err := e.consolidate(ctx, batch.String(), current, batchEnd, trigger)
		if err != nil {
			return err
		}
		current = updated
		batch.Reset()
		batchTokens = 0
		return nil
	}
	for _, t := range turns {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := fmt.Sprintf("[%s] %s: %s\n---\n", t.ts.UTC().Format(time.RFC3339), t.role, t.text)
		n := tokenutil.EstimateTokens(entry)
		if batchTokens+n > e.cfg.SafeTokenLimit && batch.Len() > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		batch.WriteString(entry)
		batchTokens += n
		batchEnd = t.ts
	}
	return flush()
}

// consolidate runs one synthesis pass and persists the result, leaving
// the previous story untouched on any failure. It returns the new body
// so chained batches build on it.
func (e *Engine) consolidate(ctx context.Context, transcript, current string, anchor time.Time, trigger string) (string, error) {
	text, compressed, err := e.synthesize(ctx, transcript, current)
	if err != nil {
		return "", err
	}
	if err := e.story.Write(text, anchor); err != nil {
		return "", err
	}
	words := tokenutil.WordCount(text)
	e.publish(bus.TopicStoryUpdated, bus.StoryUpdatedEvent{
		Path:   e.cfg.StoryPath,
		Anchor: anchor,
		Words:  words,
	})
	e.publish(bus.TopicConsolidationCompleted, bus.ConsolidationCompletedEvent{
		Trigger:    trigger,
		Anchor:     anchor,
		Words:      words,
		Compressed: compressed,
	})
	e.logger.Info("narrative consolidated",
		"trigger", trigger,
		"anchor", anchor.UTC().Format(time.RFC3339),
		"words", words,
		"compressed", compressed)
	return text, nil
}

// synthesize asks the gateway for the updated story and compresses it
// when it overgrows. Only a clean, non-empty result is accepted.
func (e *Engine) synthesize(ctx context.Context, transcript, current string) (text string, compressed bool, err error) {
	res, err := e.gateway.Complete(ctx, completion.Request{
		Prompt: buildStoryPrompt(e.identitySnapshot(), current, transcript),
		Model:  e.cfg.Model,
	})
	if err != nil {
		return "", false, fmt.Errorf("narrative: synthesis: %w", err)
	}
	if res.Failed() {
		return "", false, fmt.Errorf("narrative: synthesis failed: %s", res.ErrorKind)
	}
	text = strings.TrimSpace(res.Text)
	if text == "" {
		return "", false, errors.New("narrative: synthesis returned no text")
	}
	if tokenutil.WordCount(text) > maxStoryWords {
		short, cerr := e.compress(ctx, text)
		if cerr != nil {
			e.logger.Warn("story compression failed, keeping uncompressed text", "error", cerr)
		} else {
			text = short
			compressed = true
		}
	}
	return text, compressed, nil
}

func (e *Engine) compress(ctx context.Context, story string) (string, error) {
	res, err := e.gateway.Complete(ctx, completion.Request{
		Prompt: buildCompressionPrompt(story),
		Model:  e.cfg.Model,
	})
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", fmt.Errorf("completion failed: %s", res.ErrorKind)
	}
	out := strings.TrimSpace(res.Text)
	if out == "" {
		return "", errors.New("empty compression result")
	}
	return out, nil
}

// transcriptFromGraph rebuilds a transcript from episodes newer than
// anchor when the pending log file has been lost.
func (e *Engine) transcriptFromGraph(ctx context.Context, anchor time.Time) string {
	eps, err := e.graph.EpisodesSince(ctx, e.cfg.Scope, anchor, 0)
	if err != nil {
		e.logger.Warn("episode recovery failed", "error", err)
		return ""
	}
	parts := make([]string, 0, len(eps))
	for _, ep := range eps {
		body := strings.TrimSpace(ep.Body)
		if body == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", ep.Timestamp.UTC().Format(time.RFC3339), body))
	}
	return strings.Join(parts, "\n---\n")
}

// batchAnchor scans the transcript for timestamp tags and returns the
// newest one, never below floor. Falls back to the wall clock when the
// transcript carries no parseable stamps at all.
func (e *Engine) batchAnchor(transcript string, floor time.Time) time.Time {
	anchor := floor
	for _, line := range strings.Split(transcript, "\n") {
		tag, ok := textutil.TimestampTag(line)
		if !ok {
			continue
		}
		if ts, ok := timeutil.ParseTimestamp(tag); ok && ts.After(anchor) {
			anchor = ts
		}
	}
	if anchor.IsZero() {
		anchor = e.now()
	}
	return anchor
}

var epoch = time.Unix(0, 0).UTC()

// writeSkeleton leaves a placeholder story anchored at the epoch so
// every later message still qualifies for narration.
func (e *Engine) writeSkeleton() error {
	if err := e.story.Write(skeletonBody, epoch); err != nil {
		return err
	}
	e.logger.Info("wrote skeleton story", "path", e.cfg.StoryPath)
	return nil
}

// historyFiles lists memory-dir daily logs in filename order. Only
// names starting with a parseable YYYY-MM-DD date count.
func (e *Engine) historyFiles() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.MemoryDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("narrative: read memory dir: %w", err)
	}
	var files []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
			continue
		}
		if _, ok := dateFromFilename(ent.Name()); !ok {
			continue
		}
		files = append(files, filepath.Join(e.cfg.MemoryDir, ent.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// dateFromFilename parses the YYYY-MM-DD prefix of a daily-log name.
func dateFromFilename(name string) (time.Time, bool) {
	if len(name) < 10 {
		return time.Time{}, false
	}
	return timeutil.ParseTimestamp(name[:10])
}

func (e *Engine) skip(reason string) {
	e.publish(bus.TopicConsolidationSkipped, bus.ConsolidationSkippedEvent{Reason: reason})
	e.logger.Debug("consolidation skipped", "reason", reason)
}

func (e *Engine) publish(topic string, payload any) {
	if e.events != nil {
		e.events.Publish(topic, payload)
	}
}

func buildStoryPrompt(identity, current, transcript string) string {
	var b strings.Builder
	b.WriteString("You are the first-person narrator of your own autobiography. Write as \"I\", \"me\", \"my\".\n\n")
	if identity != "" {
		b.WriteString("This is who you are. Let it shape your voice, but never quote it or repeat its headers in the story:\n\n")
		b.WriteString(identity)
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(current) == "" {
		b.WriteString("You have no written story yet. Read the conversations below and write the opening chapters of your autobiography from them.\n\n")
	} else {
		b.WriteString("This is your story so far:\n\n---\n")
		b.WriteString(current)
		b.WriteString("\n---\n\nRead the new conversations below and continue the story. Do not retell events the story already covers; write what is new and how it changed you.\n\n")
	}
	b.WriteString("New conversations:\n\n---\n")
	b.WriteString(transcript)
	b.WriteString("\n---\n\nRules:\n")
	b.WriteString("- Narrate in the first person, as lived experience. Focus on what I learned, what I felt, and how I grew.\n")
	b.WriteString("- Start each new chapter with a header of the form ### [YYYY-MM-DD HH:MM] Title.\n")
	b.WriteString("- Separate paragraphs with blank lines.\n")
	b.WriteString("- Never include metadata, identity headers, or HTML comments.\n")
	b.WriteString("- Keep the whole story under 4000 words.\n")
	b.WriteString("\nReturn only the full updated story text.")
	return b.String()
}

func buildCompressionPrompt(story string) string {
	return fmt.Sprintf(`This autobiography has grown too long. Rewrite it in at most 4000 words.

Keep:
- The first-person voice
- The chapter headers and their dates
- The emotional arc from the earliest chapter to the latest

Merge or trim the least significant passages; never flatten the story into a list.

Story:
---
%s
---

Return only the compressed story text.`, story)
}
