package bus

import "time"

// Memory lifecycle topics.
const (
	TopicResonanceEmitted       = "resonance.emitted"
	TopicEpisodeTracked         = "episode.tracked"
	TopicConsolidationCompleted = "consolidation.completed"
	TopicConsolidationSkipped   = "consolidation.skipped"
	TopicStoryUpdated           = "story.updated"
	TopicCompletionFailover     = "completion.failover"
)

// ResonanceEmittedEvent is published after each pipeline run, including
// runs that surfaced nothing.
type ResonanceEmittedEvent struct {
	TraceID  string        // Turn trace ID
	Queries  []string      // Seed queries used for retrieval
	Surfaced int           // Memories that made it into the block
	Empty    bool          // True when the block was ""
	Elapsed  time.Duration // Wall time for the whole pipeline
}

// EpisodeTrackedEvent is published when a turn enters the pending log
// and the graph.
type EpisodeTrackedEvent struct {
	Role            string // human, assistant, system, historical-file
	Tokens          int    // Estimated tokens for this entry
	PendingMessages int    // Log message count after the append
	PendingTokens   int    // Log token total after the append
}

// ConsolidationCompletedEvent is published after a successful narrative
// consolidation.
type ConsolidationCompletedEvent struct {
	Trigger    string    // threshold, bootstrap, global-sync, compaction
	Anchor     time.Time // New high-water mark
	Words      int       // Story word count after the write
	Compressed bool      // True when a compression pass ran
}

// ConsolidationSkippedEvent is published when a consolidation cycle
// bails out early.
type ConsolidationSkippedEvent struct {
	Reason string // below-threshold, nothing-pending, no-transcript, lock-held, disabled
}

// StoryUpdatedEvent is published whenever STORY.md is rewritten.
type StoryUpdatedEvent struct {
	Path   string
	Anchor time.Time
	Words  int
}

// CompletionFailoverEvent is published when the gateway retries against
// the fallback model.
type CompletionFailoverEvent struct {
	FromModel string
	ToModel   string
	Kind      string // Classified error kind that triggered the retry
}
