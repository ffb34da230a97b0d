package mind

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-mind/internal/graph"
	otelpkg "github.com/basket/go-mind/internal/otel"
	"github.com/basket/go-mind/internal/session"
	"github.com/basket/go-mind/internal/timeutil"
	"github.com/google/uuid"
)

// bootstrapFlagName marks a completed historical graph ingest. Lives
// in the home dir next to the memory folder it summarizes.
const bootstrapFlagName = ".graphiti-bootstrap-done"

// Start runs the maintenance loop: one global narrative sync, the
// historical graph bootstrap check, an immediate consolidation check,
// then the cron scheduler until ctx is cancelled. Blocks for the life
// of the daemon; a cancelled ctx is a normal shutdown, not an error.
func (s *Subsystem) Start(ctx context.Context) error {
	s.logger.Info("maintenance loop starting",
		"scope", s.cfg.Scope,
		"schedule", s.cfg.Narrative.Schedule)

	if s.narrativeOn.Load() {
		if err := s.engine.SyncGlobal(ctx, session.Path()); err != nil {
			s.logger.Warn("global sync failed", "error", err)
		}
	}
	if _, err := s.BootstrapHistory(ctx, false); err != nil {
		s.logger.Warn("historical bootstrap failed", "error", err)
	}
	s.runConsolidation(ctx, "startup")

	s.sched.Start(ctx)
	<-ctx.Done()
	s.sched.Stop()
	s.logger.Info("maintenance loop stopped")
	return nil
}

// BootstrapHistory ingests the historical daily logs
// (memory/YYYY-MM-DD*.md) into the graph as historical-file episodes
// and reports how many landed. Each body gets a FECHA date line so
// retrieval can anchor it, and the episode timestamp is the filename
// date at noon UTC. One-shot: a flag file marks completion and later
// calls return immediately unless force is set. Per-file failures are
// logged and skipped; only a run where every file fails leaves the
// flag unwritten so the next start retries.
func (s *Subsystem) BootstrapHistory(ctx context.Context, force bool) (int, error) {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()

	flagPath := filepath.Join(s.cfg.HomeDir, bootstrapFlagName)
	if !force {
		if _, err := os.Stat(flagPath); err == nil {
			s.logger.Debug("historical bootstrap already done", "flag", flagPath)
			return 0, nil
		}
	}

	entries, err := os.ReadDir(s.cfg.MemoryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, s.writeBootstrapFlag(flagPath)
		}
		return 0, fmt.Errorf("mind: read memory dir: %w", err)
	}

	ctx, span := otelpkg.StartClientSpan(ctx, s.tracer, "mind.graph_bootstrap",
		otelpkg.AttrScope.String(s.cfg.Scope))
	defer span.End()

	var attempted, ingested int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		day, ok := historyFileDate(name)
		if !ok {
			continue
		}
		attempted++
		data, readErr := os.ReadFile(filepath.Join(s.cfg.MemoryDir(), name))
		if readErr != nil {
			s.logger.Warn("historical file unreadable", "file", name, "error", readErr)
			continue
		}
		ep := graph.Episode{
			ID:        uuid.NewString(),
			Role:      graph.RoleHistorical,
			Body:      "FECHA: " + day.Format("2006-01-02") + "\n\n" + string(data),
			Timestamp: day,
			Source:    name,
		}
		if addErr := s.graph.AddEpisode(ctx, s.cfg.Scope, ep); addErr != nil {
			otelpkg.RecordError(span, addErr)
			s.logger.Warn("historical ingest failed", "file", name, "error", addErr)
			continue
		}
		ingested++
	}

	if attempted > 0 && ingested == 0 {
		return 0, fmt.Errorf("mind: historical bootstrap: all %d files failed", attempted)
	}
	if attempted > 0 {
		s.logger.Info("historical bootstrap completed",
			"files", attempted, "ingested", ingested)
	}
	return ingested, s.writeBootstrapFlag(flagPath)
}

// historyFileDate pulls the day out of a YYYY-MM-DD*.md filename. The
// timestamp lands at noon UTC so the day survives timezone-shifted
// readers.
func historyFileDate(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".md") || len(name) < len("2006-01-02.md") {
		return time.Time{}, false
	}
	day, ok := timeutil.ParseTimestamp(name[:10])
	if !ok {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, time.UTC), true
}

func (s *Subsystem) writeBootstrapFlag(path string) error {
	content := s.now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("mind: write bootstrap flag: %w", err)
	}
	return nil
}
