// Package narrative maintains the agent's first-person autobiography:
// a single markdown file rewritten wholesale by an LLM whenever enough
// conversation has accumulated, plus the cross-process lock and the
// consolidation engine that drive those rewrites.
package narrative

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/basket/go-mind/internal/timeutil"
)

// The story file starts with a high-water-mark header:
//
//	<!-- LAST_PROCESSED: 2026-03-01T15:04:05Z -->
//
//	<body>
//
// The header timestamp is the newest conversation timestamp folded into
// the body so far. Everything older has been narrated; everything newer
// is still pending.
const anchorPrefix = "<!-- LAST_PROCESSED: "

var anchorRe = regexp.MustCompile(`<!--\s*LAST_PROCESSED:\s*([^>]*?)\s*-->\r?\n?`)

// StoryFile reads and writes the narrative with its anchor header.
type StoryFile struct {
	path   string
	logger *slog.Logger
}

func NewStoryFile(path string, logger *slog.Logger) *StoryFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoryFile{path: path, logger: logger}
}

func (s *StoryFile) Path() string { return s.path }

// Load returns the story body with every anchor comment stripped. isNew
// reports an absent file or one whose body is empty after stripping.
// When the header is missing or unparseable the file mtime stands in as
// the anchor.
func (s *StoryFile) Load() (body string, anchor time.Time, isNew bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", time.Time{}, true, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("narrative: read story: %w", err)
	}
	content := string(data)
	if m := anchorRe.FindStringSubmatch(content); m != nil {
		if ts, ok := timeutil.ParseTimestamp(m[1]); ok {
			anchor = ts
		}
	}
	if anchor.IsZero() {
		if fi, statErr := os.Stat(s.path); statErr == nil {
			anchor = fi.ModTime()
		}
	}
	body = strings.TrimSpace(anchorRe.ReplaceAllString(content, ""))
	if body == "" {
		return "", anchor, true, nil
	}
	return body, anchor, false, nil
}

// parsedAnchor returns the header timestamp when one is present and
// parseable. The mtime fallback is deliberately excluded: only a real
// header participates in the regression check.
func (s *StoryFile) parsedAnchor() (time.Time, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return time.Time{}, false
	}
	m := anchorRe.FindStringSubmatch(string(data))
	if m == nil {
		return time.Time{}, false
	}
	return timeutil.ParseTimestamp(m[1])
}

// Write persists body under a fresh anchor header, atomically via a
// sibling tmp file. The anchor never moves backwards: a proposed anchor
// older than the parsed one on disk is refused and the disk anchor
// kept.
func (s *StoryFile) Write(body string, anchor time.Time) error {
	if existing, ok := s.parsedAnchor(); ok && anchor.Before(existing) {
		s.logger.Warn("refusing story anchor regression",
			"proposed", anchor.UTC().Format(time.RFC3339),
			"current", existing.UTC().Format(time.RFC3339))
		anchor = existing
	}
	if anchor.IsZero() {
		anchor = time.Now()
	}
	body = strings.TrimSpace(anchorRe.ReplaceAllString(body, ""))
	content := fmt.Sprintf("%s%s -->\n\n%s\n", anchorPrefix, anchor.UTC().Format(time.RFC3339), body)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("narrative: create story dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("narrative: write story tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("narrative: rename story: %w", err)
	}
	return nil
}
