// Package resonance turns the current prompt into a subconscious
// flashback block: seed queries extracted from the conversation, graph
// retrieval, temporal and echo filtering, and an optional first-person
// rewrite. An empty block is a normal outcome, not an error.
package resonance

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/completion"
	"github.com/basket/go-mind/internal/graph"
	"github.com/basket/go-mind/internal/shared"
	"github.com/basket/go-mind/internal/textutil"
	"github.com/basket/go-mind/internal/timeutil"
)

// Phase is where a run currently is. Any phase may short-circuit to
// emitting with an empty block.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseExtracting Phase = "extracting-seeds"
	PhaseSearching  Phase = "searching-graph"
	PhaseFiltering  Phase = "filtering"
	PhaseRewriting  Phase = "rewriting"
	PhaseFallback   Phase = "fallback"
	PhaseEmitting   Phase = "emitting"
)

const (
	// maxMemories caps accepted results across all seed queries.
	maxMemories = 10
	// maxPerGroup caps bullets rendered per seed query.
	maxPerGroup = 5
	// maxSeedQueries caps seed extraction output.
	maxSeedQueries = 3
)

// Turn is one recent conversation message fed to seed extraction.
type Turn struct {
	Role string
	Text string
}

// Input is everything one run works from. OldestContext, when set, is
// the earliest timestamp still visible in the live chat window;
// memories at or after it are already in view and never resurfaced.
type Input struct {
	Prompt        string
	Recent        []Turn // last non-system turns, oldest first
	Soul          string
	Story         string
	OldestContext time.Time
}

// Config wires a pipeline.
type Config struct {
	Scope   string
	Model   string
	Rewrite bool // rewrite groups through the gateway instead of raw bullets

	Gateway completion.Gateway
	Graph   graph.Adapter
	Events  *bus.Bus
	Logger  *slog.Logger
}

// Pipeline produces one resonance block per turn. Single-threaded per
// turn; the phases inside fan out on their own.
type Pipeline struct {
	cfg     Config
	gateway completion.Gateway
	graph   graph.Adapter
	echo    *EchoBuffer
	events  *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
	coin    func() bool

	phase atomic.Value // Phase
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		cfg:     cfg,
		gateway: cfg.Gateway,
		graph:   cfg.Graph,
		echo:    NewEchoBuffer(DefaultEchoCapacity),
		events:  cfg.Events,
		logger:  cfg.Logger,
		now:     time.Now,
		coin:    func() bool { return rand.IntN(2) == 0 },
	}
	p.phase.Store(PhaseIdle)
	return p
}

// Phase reports where the current (or last) run is.
func (p *Pipeline) Phase() Phase {
	return p.phase.Load().(Phase)
}

func (p *Pipeline) setPhase(ph Phase) {
	p.phase.Store(ph)
}

// candidate is a retrieval hit with its resolved effective timestamp.
type candidate struct {
	res    graph.MemoryResult
	eff    time.Time
	hasEff bool
}

// group is the per-seed-query rendering unit.
type group struct {
	query string
	items []candidate
}

// Run produces the resonance block for one turn, or "" when nothing
// resonates. Retrieval and rewrite failures degrade instead of
// propagating; the returned error is reserved for context
// cancellation.
func (p *Pipeline) Run(ctx context.Context, in Input) (string, error) {
	start := p.now()
	defer p.setPhase(PhaseIdle)

	p.setPhase(PhaseExtracting)
	prompt := textutil.StripUntrustedMetadata(in.Prompt)
	queries := p.extractSeeds(ctx, prompt, in)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(queries) == 0 {
		return p.emit(ctx, start, nil, 0, ""), nil
	}

	p.setPhase(PhaseSearching)
	results := p.search(ctx, queries)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.setPhase(PhaseFiltering)
	accepted := p.filter(results, in.OldestContext)
	if len(accepted) == 0 {
		return p.emit(ctx, start, queries, 0, ""), nil
	}

	groups := groupBySeed(queries, accepted)
	blocks := p.render(ctx, groups, in)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body := strings.Join(blocks, "\n\n")
	if strings.TrimSpace(body) == "" {
		return p.emit(ctx, start, queries, len(accepted), ""), nil
	}
	block := "\n---\n[SUBCONSCIOUS RESONANCE]\n" + body + "\n---\n"
	return p.emit(ctx, start, queries, len(accepted), block), nil
}

func (p *Pipeline) emit(ctx context.Context, start time.Time, queries []string, surfaced int, block string) string {
	p.setPhase(PhaseEmitting)
	elapsed := p.now().Sub(start)
	traceID := shared.TraceID(ctx)
	if p.events != nil {
		p.events.Publish(bus.TopicResonanceEmitted, bus.ResonanceEmittedEvent{
			TraceID:  traceID,
			Queries:  queries,
			Surfaced: surfaced,
			Empty:    block == "",
			Elapsed:  elapsed,
		})
	}
	p.logger.Debug("resonance emitted",
		"trace_id", traceID,
		"queries", len(queries),
		"surfaced", surfaced,
		"empty", block == "",
		"elapsed", elapsed.String())
	return block
}

// search fans out node and fact searches for every seed query and
// deduplicates across them. A failed search contributes zero results.
func (p *Pipeline) search(ctx context.Context, queries []string) []graph.MemoryResult {
	type call struct {
		seed string
		fn   func(context.Context, string, string) ([]graph.MemoryResult, error)
	}
	calls := make([]call, 0, len(queries)*2)
	for _, q := range queries {
		calls = append(calls,
			call{seed: q, fn: p.graph.SearchNodes},
			call{seed: q, fn: p.graph.SearchFacts},
		)
	}

	slots := make([][]graph.MemoryResult, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		sanitized := graph.SanitizeQuery(c.seed)
		if sanitized == "" {
			continue
		}
		wg.Add(1)
		go func(slot int, seed, sanitized string, fn func(context.Context, string, string) ([]graph.MemoryResult, error)) {
			defer wg.Done()
			results, err := fn(ctx, p.cfg.Scope, sanitized)
			if err != nil {
				p.logger.Debug("memory search failed", "query", sanitized, "error", err)
				return
			}
			for j := range results {
				results[j].SourceQuery = seed
			}
			slots[slot] = results
		}(i, c.seed, sanitized, c.fn)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var out []graph.MemoryResult
	for _, slot := range slots {
		for _, r := range slot {
			key := r.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// filter applies the memory horizon, the echo filter, the priority
// sort, and the acceptance caps, in that order.
func (p *Pipeline) filter(results []graph.MemoryResult, oldestContext time.Time) []candidate {
	cands := make([]candidate, 0, len(results))
	for _, r := range results {
		eff, ok := effectiveTimestamp(r)
		cands = append(cands, candidate{res: r, eff: eff, hasEff: ok})
	}

	// Memory horizon: anything the live window already shows stays
	// out. Results without a resolvable timestamp fail open.
	if !oldestContext.IsZero() {
		kept := cands[:0]
		for _, c := range cands {
			if c.hasEff && !c.eff.Before(oldestContext) {
				continue
			}
			kept = append(kept, c)
		}
		cands = kept
	}

	// Echo filter: recently surfaced ids are suppressed unless
	// boosted; survivors are remembered.
	kept := cands[:0]
	for _, c := range cands {
		if p.echo.Contains(c.res.DedupKey()) && !c.res.Boosted {
			continue
		}
		kept = append(kept, c)
	}
	cands = kept
	for _, c := range cands {
		p.echo.Remember(c.res.DedupKey())
	}

	// Priority sort: boosted first, facts before nodes, then a
	// temporal direction flipped per run so the spread mixes old and
	// new memories instead of always favouring one end.
	newestFirst := p.coin()
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].res.Boosted != cands[j].res.Boosted {
			return cands[i].res.Boosted
		}
		iFact := cands[i].res.Kind == graph.KindFact
		jFact := cands[j].res.Kind == graph.KindFact
		if iFact != jFact {
			return iFact
		}
		if newestFirst {
			return cands[i].eff.After(cands[j].eff)
		}
		return cands[i].eff.Before(cands[j].eff)
	})

	// Acceptance: clean content, skip structured bodies, reject
	// near-duplicates, cap the total.
	seen := make(map[string]struct{})
	var accepted []candidate
	for _, c := range cands {
		content := strings.TrimSpace(textutil.StripTimestampTags(c.res.Content))
		if content == "" || textutil.IsJSONOnly(content) {
			continue
		}
		key := textutil.NormalizedKey(content, 30)
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		c.res.Content = content
		accepted = append(accepted, c)
		if len(accepted) == maxMemories {
			break
		}
	}
	return accepted
}

// groupBySeed splits accepted candidates into per-query groups in seed
// order, keeping acceptance (priority) order inside each group.
func groupBySeed(queries []string, accepted []candidate) []group {
	byQuery := make(map[string][]candidate, len(queries))
	for _, c := range accepted {
		byQuery[c.res.SourceQuery] = append(byQuery[c.res.SourceQuery], c)
	}
	var groups []group
	for _, q := range queries {
		items := byQuery[q]
		if len(items) == 0 {
			continue
		}
		if len(items) > maxPerGroup {
			items = items[:maxPerGroup]
		}
		// Bullets read chronologically even though acceptance ranked
		// by priority.
		sort.SliceStable(items, func(i, j int) bool { return items[i].eff.Before(items[j].eff) })
		groups = append(groups, group{query: q, items: items})
	}
	return groups
}

// effectiveTimestamp resolves when a memory happened: an explicit date
// anchor in the content wins, then an embedded timestamp tag, then the
// backend timestamp.
func effectiveTimestamp(r graph.MemoryResult) (time.Time, bool) {
	if d, ok := textutil.DateAnchor(r.Content); ok {
		if ts, ok := timeutil.ParseTimestamp(d); ok {
			return ts, true
		}
	}
	if tag, ok := textutil.TimestampTag(r.Content); ok {
		if ts, ok := timeutil.ParseTimestamp(tag); ok {
			return ts, true
		}
	}
	if !r.Timestamp.IsZero() {
		return r.Timestamp, true
	}
	return time.Time{}, false
}
