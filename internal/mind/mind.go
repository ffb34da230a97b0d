// Package mind assembles the memory subsystem behind one façade: the
// per-turn entry points (resonance block and story for the system
// prompt, exchange recording), the compaction hook, and the
// maintenance loop that keeps the story consolidated over time.
package mind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/completion"
	"github.com/basket/go-mind/internal/config"
	"github.com/basket/go-mind/internal/cron"
	"github.com/basket/go-mind/internal/graph"
	"github.com/basket/go-mind/internal/graph/graphiti"
	"github.com/basket/go-mind/internal/graph/localgraph"
	"github.com/basket/go-mind/internal/narrative"
	otelpkg "github.com/basket/go-mind/internal/otel"
	"github.com/basket/go-mind/internal/pending"
	"github.com/basket/go-mind/internal/resonance"
	"github.com/basket/go-mind/internal/session"
	"github.com/basket/go-mind/internal/shared"
	"github.com/basket/go-mind/internal/textutil"
	"github.com/basket/go-mind/internal/tokenutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// skipResonanceEnv short-circuits the pipeline for a whole process.
// Escape hatch for runs where retrieval latency is unwelcome.
const skipResonanceEnv = "MIND_SKIP_RESONANCE"

// TurnInput is what the caller knows at the start of a turn.
type TurnInput struct {
	Prompt        string
	Recent        []resonance.Turn // last non-system turns, oldest first
	OldestContext time.Time        // timestamp of the oldest message still in the caller's window
}

// Augment carries the system-prompt additions for one turn. Either
// field may be empty; callers inject what they get.
type Augment struct {
	Resonance string
	Story     string
}

// Config wires a Subsystem. Only Config is required; nil components
// are built from it, which is how production runs. Tests inject fakes.
type Config struct {
	Config    config.Config
	SessionID string // generated when empty

	Gateway completion.Gateway
	Graph   graph.Adapter
	Events  *bus.Bus
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Subsystem is the long-term memory of a conversational agent: an
// episodic graph plus a first-person story, fed by the turns it sees.
// All turn-facing methods degrade instead of failing; the only error
// TurnStart returns is context cancellation.
type Subsystem struct {
	cfg       config.Config
	sessionID string
	logger    *slog.Logger
	events    *bus.Bus
	metrics   *otelpkg.Metrics
	tracer    trace.Tracer

	pending   *pending.Log
	graph     graph.Adapter
	graphKind string
	graphC    io.Closer
	gateway   completion.Gateway
	engine    *narrative.Engine
	pipeline  *resonance.Pipeline
	sched     *cron.Scheduler

	now func() time.Time

	identityMu  sync.RWMutex
	identity    string
	narrativeOn atomic.Bool

	coldStart sync.Once
	bootMu    sync.Mutex
	closeOnce sync.Once
	obsCancel context.CancelFunc
	wg        sync.WaitGroup

	closeErr error
}

// New builds the subsystem from a loaded configuration. The graph
// adapter is the Graphiti HTTP client when a base URL is configured,
// the local sqlite store otherwise. ctx is used for provider
// initialization only.
func New(ctx context.Context, cfg Config) (*Subsystem, error) {
	c := cfg.Config
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = bus.New()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}

	pend, err := pending.New(c.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("mind: open pending log: %w", err)
	}

	adapter := cfg.Graph
	graphKind := "injected"
	var graphCloser io.Closer
	if adapter == nil {
		if c.Graphiti.BaseURL != "" {
			adapter = graphiti.New(c.Graphiti.BaseURL, logger)
			graphKind = "graphiti"
		} else {
			store, err := localgraph.Open(filepath.Join(c.HomeDir, "mind.db"))
			if err != nil {
				return nil, fmt.Errorf("mind: open local graph: %w", err)
			}
			adapter = store
			graphCloser = store
			graphKind = "sqlite"
		}
	}

	gateway := cfg.Gateway
	if gateway == nil {
		gateway = completion.NewGenkitGateway(ctx, completion.GenkitConfig{
			Provider:                 c.LLM.Provider,
			Model:                    c.LLM.Model,
			APIKey:                   c.LLMAPIKey(c.LLM.Provider),
			OpenAICompatibleProvider: c.LLM.OpenAICompatibleProvider,
			OpenAICompatibleBaseURL:  c.LLM.OpenAICompatibleBaseURL,
		}, logger)
	}
	if c.LLM.FallbackModel != "" {
		gateway = completion.NewFailover(gateway, c.LLM.FallbackModel, events, logger)
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = shared.NewSessionID()
	}
	if err := session.Init(c.SessionsDir(), sessionID); err != nil {
		return nil, fmt.Errorf("mind: open session transcript: %w", err)
	}

	s := &Subsystem{
		cfg:       c,
		sessionID: sessionID,
		logger:    logger,
		events:    events,
		metrics:   cfg.Metrics,
		tracer:    tracer,
		pending:   pend,
		graph:     adapter,
		graphKind: graphKind,
		graphC:    graphCloser,
		gateway:   gateway,
		now:       time.Now,
		identity:  c.SOUL,
	}
	s.narrativeOn.Store(c.Narrative.Enabled)

	s.engine = narrative.NewEngine(narrative.Config{
		Scope:                c.Scope,
		StoryPath:            c.StoryPath(),
		MemoryDir:            c.MemoryDir(),
		SessionsDir:          c.SessionsDir(),
		Model:                c.LLM.Model,
		TokenThreshold:       c.Narrative.Threshold,
		AutoBootstrapHistory: c.Narrative.AutoBootstrapHistory,
		Enabled:              c.Narrative.Enabled,
		Pending:              pend,
		Graph:                adapter,
		Gateway:              gateway,
		Events:               events,
		Logger:               logger,
	})
	s.engine.SetIdentity(c.SOUL)

	s.pipeline = resonance.New(resonance.Config{
		Scope:   c.Scope,
		Model:   c.LLM.Model,
		Rewrite: true,
		Gateway: gateway,
		Graph:   adapter,
		Events:  events,
		Logger:  logger,
	})

	sched, err := cron.NewScheduler(cron.Config{
		Expr:   c.Narrative.Schedule,
		Job:    func(jobCtx context.Context) { s.runConsolidation(jobCtx, "cron") },
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("mind: %w", err)
	}
	s.sched = sched

	if s.metrics != nil {
		obsCtx, cancel := context.WithCancel(context.Background())
		s.obsCancel = cancel
		s.wg.Add(1)
		go s.observeEvents(obsCtx)
	}

	logger.Info("memory subsystem ready",
		"scope", c.Scope,
		"session_id", sessionID,
		"graph", graphKind,
		"provider", c.LLM.Provider,
		"model", c.LLM.Model)
	return s, nil
}

// TurnStart prepares one turn: kicks the once-per-process backlog
// ingest, reads the story, and runs the resonance pipeline on the
// incoming prompt. Heartbeats and empty prompts get the story only.
// The returned error is non-nil solely when ctx was cancelled.
func (s *Subsystem) TurnStart(ctx context.Context, in TurnInput) (aug Augment, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("turn start recovered", "panic", r)
			err = nil
		}
	}()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "mind.turn_start",
		otelpkg.AttrScope.String(s.cfg.Scope),
		otelpkg.AttrSessionID.String(s.sessionID))
	defer span.End()

	s.coldStartOnce(ctx)

	if s.narrativeOn.Load() {
		body, storyErr := s.engine.Story()
		if storyErr != nil {
			s.logger.Warn("story read failed", "error", storyErr)
		} else {
			aug.Story = body
		}
	}

	if os.Getenv(skipResonanceEnv) == "1" {
		s.logger.Debug("resonance skipped", "reason", "env")
		return aug, nil
	}
	if strings.TrimSpace(in.Prompt) == "" || textutil.IsHeartbeat(in.Prompt) {
		return aug, nil
	}

	block, runErr := s.pipeline.Run(ctx, resonance.Input{
		Prompt:        in.Prompt,
		Recent:        in.Recent,
		Soul:          s.identitySnapshot(),
		Story:         aug.Story,
		OldestContext: in.OldestContext,
	})
	if runErr != nil {
		otelpkg.RecordError(span, runErr)
		if ctx.Err() != nil {
			return aug, runErr
		}
		s.logger.Warn("resonance run failed", "error", runErr)
		return aug, nil
	}
	aug.Resonance = block
	return aug, nil
}

// RecordExchange persists one user/assistant exchange: session
// transcript, pending log, and graph episodes, then kicks a background
// consolidation when the pending log crosses the token threshold.
// Failures are logged and absorbed.
func (s *Subsystem) RecordExchange(ctx context.Context, userText, assistantText string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("record exchange recovered", "panic", r)
		}
	}()

	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "mind.record_exchange",
		otelpkg.AttrScope.String(s.cfg.Scope),
		otelpkg.AttrSessionID.String(s.sessionID))
	defer span.End()

	session.Record("user", userText)
	session.Record("assistant", assistantText)

	s.trackTurn(ctx, graph.RoleHuman, userText)
	s.trackTurn(ctx, graph.RoleAssistant, assistantText)

	if !s.narrativeOn.Load() {
		return
	}
	if s.pending.Status().Tokens < s.cfg.Narrative.Threshold {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("consolidation recovered", "panic", r)
			}
		}()
		s.runConsolidation(bg, "threshold")
	}()
}

// trackTurn appends one turn to the pending log and the graph.
// Heartbeats reach neither; the pending log drops them itself and the
// graph ingest is skipped here. Live turns carry no date prefix, the
// ingest timestamp is authoritative.
func (s *Subsystem) trackTurn(ctx context.Context, role graph.Role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.pending.Track(text); err != nil {
		s.logger.Warn("pending track failed", "role", role, "error", err)
	}
	if textutil.IsHeartbeat(text) {
		return
	}
	ep := graph.Episode{
		ID:        uuid.NewString(),
		Role:      role,
		Body:      text,
		Timestamp: s.now().UTC(),
		Source:    "conversation",
	}
	if err := s.graph.AddEpisode(ctx, s.cfg.Scope, ep); err != nil {
		if errors.Is(err, graph.ErrUnavailable) {
			s.logger.Warn("episode dropped, graph unavailable", "role", role)
		} else {
			s.logger.Warn("episode ingest failed", "role", role, "error", err)
		}
	}
	st := s.pending.Status()
	s.events.Publish(bus.TopicEpisodeTracked, bus.EpisodeTrackedEvent{
		Role:            string(role),
		Tokens:          tokenutil.EstimateTokens(text),
		PendingMessages: st.Messages,
		PendingTokens:   st.Tokens,
	})
}

// NotifyCompaction folds messages evicted from the caller's context
// window into the story. Fire-and-forget: the merge runs in the
// background and never reports back.
func (s *Subsystem) NotifyCompaction(ctx context.Context, msgs []session.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("compaction notify recovered", "panic", r)
		}
	}()
	if len(msgs) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.SyncWithSession(bg, msgs)
	}()
	s.logger.Debug("compaction sync scheduled", "messages", len(msgs))
}

// Resonate runs one pipeline pass outside the turn flow. CLI debug
// aid; agents go through TurnStart.
func (s *Subsystem) Resonate(ctx context.Context, prompt string) (string, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	story := ""
	if s.narrativeOn.Load() {
		story, _ = s.engine.Story()
	}
	return s.pipeline.Run(ctx, resonance.Input{
		Prompt: prompt,
		Soul:   s.identitySnapshot(),
		Story:  story,
	})
}

// SetIdentity hot-swaps the persona text fed to synthesis and
// resonance prompts, typically on a SOUL.md change.
func (s *Subsystem) SetIdentity(soul string) {
	s.identityMu.Lock()
	s.identity = soul
	s.identityMu.Unlock()
	s.engine.SetIdentity(soul)
}

func (s *Subsystem) identitySnapshot() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity
}

// SetNarrativeEnabled flips story consolidation and injection at
// runtime, for config hot reloads.
func (s *Subsystem) SetNarrativeEnabled(enabled bool) {
	s.narrativeOn.Store(enabled)
	s.engine.SetEnabled(enabled)
}

// Sync runs one global narrative sync, honoring the cross-process
// lock. The current session transcript is excluded from its own sync.
func (s *Subsystem) Sync(ctx context.Context) error {
	return s.engine.SyncGlobal(ctx, session.Path())
}

// StatusReport is a point-in-time operator view of the subsystem.
type StatusReport struct {
	SessionID         string
	FirstRun          bool
	Pending           pending.Status
	StoryWords        int
	StoryAnchor       time.Time
	StoryNew          bool
	GraphKind         string
	GraphOK           bool
	NextConsolidation time.Time
}

// Status probes the moving parts and reports what an operator asks
// first: how much is pending, where the story stands, whether the
// graph answers.
func (s *Subsystem) Status(ctx context.Context) StatusReport {
	rep := StatusReport{
		SessionID: s.sessionID,
		FirstRun:  s.cfg.FirstRun,
		Pending:   s.pending.Status(),
		GraphKind: s.graphKind,
	}
	if body, anchor, isNew, err := s.engine.StoryInfo(); err == nil {
		rep.StoryWords = tokenutil.WordCount(body)
		rep.StoryAnchor = anchor
		rep.StoryNew = isNew
	}
	if _, err := s.graph.EpisodesSince(ctx, s.cfg.Scope, s.now().Add(-time.Hour), 1); err == nil {
		rep.GraphOK = true
	}
	if next := s.sched.NextRun(); !next.IsZero() {
		rep.NextConsolidation = next
	} else if next, err := cron.NextRunTime(s.cfg.Narrative.Schedule, s.now()); err == nil {
		rep.NextConsolidation = next
	}
	return rep
}

// coldStartOnce runs the backlog ingest the first time a turn arrives
// in this process. Asynchronous so the first turn is not taxed; the
// flag file makes re-runs cheap.
func (s *Subsystem) coldStartOnce(ctx context.Context) {
	s.coldStart.Do(func() {
		bg := context.WithoutCancel(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("cold start recovered", "panic", r)
				}
			}()
			if _, err := s.BootstrapHistory(bg, false); err != nil {
				s.logger.Warn("historical bootstrap failed", "error", err)
			}
		}()
	})
}

func (s *Subsystem) runConsolidation(ctx context.Context, trigger string) {
	if err := s.engine.CheckAndConsolidate(ctx); err != nil {
		s.logger.Warn("consolidation check failed", "trigger", trigger, "error", err)
	}
}

// Close stops the scheduler and the metrics observer, drains
// background work, and closes the session transcript plus the local
// graph store when one is open. Safe to call more than once.
func (s *Subsystem) Close() error {
	s.closeOnce.Do(func() {
		s.sched.Stop()
		if s.obsCancel != nil {
			s.obsCancel()
		}
		s.wg.Wait()

		var errs []error
		sessionPath := session.Path()
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		// One-shot invocations (status, resonate) never record a turn;
		// drop their empty transcript so RecentTranscripts stays useful.
		if sessionPath != "" {
			if fi, err := os.Stat(sessionPath); err == nil && fi.Size() == 0 {
				_ = os.Remove(sessionPath)
			}
		}
		if s.graphC != nil {
			if err := s.graphC.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close graph store: %w", err))
			}
		}
		st := s.pending.Status()
		s.logger.Info("memory subsystem closed",
			"pending_messages", st.Messages,
			"pending_tokens", st.Tokens)
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
