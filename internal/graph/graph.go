// Package graph defines the episodic-memory contract: append-only
// episodes grouped under an identity scope, plus the entity (node) and
// relation (fact) search projections the recall pipeline consumes.
package graph

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode"
)

// ErrUnavailable marks transport-level failures: the backend is down,
// unreachable, or refusing connections. Callers degrade to empty
// results and keep the turn alive.
var ErrUnavailable = errors.New("graph: backend unavailable")

// Role is the author of an episode.
type Role string

const (
	RoleHuman      Role = "human"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleHistorical Role = "historical-file"
)

// Episode is one append-only memory record. Timestamp may predate the
// wall clock when backfilling historical files.
type Episode struct {
	ID        string
	Role      Role
	Body      string
	Timestamp time.Time
	Source    string
}

// Kind distinguishes the two search projections.
type Kind string

const (
	KindNode Kind = "node"
	KindFact Kind = "fact"
)

// MemoryResult is a single retrieval hit. Timestamp is zero when the
// backend did not report one.
type MemoryResult struct {
	Content     string
	Timestamp   time.Time
	UUID        string
	Kind        Kind
	Boosted     bool
	SourceQuery string
}

// DedupKey identifies a result across queries: the backend uuid when
// present, else a stable hash of the content.
func (r MemoryResult) DedupKey() string {
	if r.UUID != "" {
		return r.UUID
	}
	h := fnv.New64a()
	h.Write([]byte(r.Content))
	return fmt.Sprintf("content:%x", h.Sum64())
}

// Adapter is the capability the memory subsystem retrieves and stores
// through. Implementations bind to a concrete graph backend.
type Adapter interface {
	// AddEpisode appends an episode to the scope. It returns once the
	// episode is queued; indexing may lag.
	AddEpisode(ctx context.Context, scope string, ep Episode) error

	// SearchNodes runs entity-oriented semantic search.
	SearchNodes(ctx context.Context, scope, query string) ([]MemoryResult, error)

	// SearchFacts runs relation-oriented semantic search.
	SearchFacts(ctx context.Context, scope, query string) ([]MemoryResult, error)

	// EpisodesSince returns episodes newer than since in chronological
	// order. limit <= 0 means the adapter's default.
	EpisodesSince(ctx context.Context, scope string, since time.Time, limit int) ([]Episode, error)
}

// SanitizeQuery strips everything downstream search engines choke on:
// only letters, digits, whitespace, '-' and '_' survive. Whitespace
// runs collapse to a single space. Idempotent.
func SanitizeQuery(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	lastSpace := false
	for _, r := range query {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
