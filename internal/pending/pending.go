// Package pending maintains the audit trail of turns awaiting
// narrativization: an append-only episode log plus a token-counted
// status file, kept side by side in the memory directory.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-mind/internal/textutil"
	"github.com/basket/go-mind/internal/tokenutil"
)

const (
	logName    = "pending-episodes.log"
	statusName = ".pending-consolidation-status"

	entrySeparator = "\n---\n"
)

// Status is the running account of what the log holds. Tokens is the
// sum of estimates for every entry currently in the log.
type Status struct {
	Messages int `json:"messages"`
	Tokens   int `json:"tokens"`
}

// Log is the append-only pending-episode pair rooted at a memory
// directory. Heartbeats never enter it.
type Log struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// New opens (creating if needed) the pending log directory.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pending: create dir: %w", err)
	}
	return &Log{dir: dir, now: time.Now}, nil
}

// LogPath returns the path of the append-only episode log.
func (l *Log) LogPath() string { return filepath.Join(l.dir, logName) }

// StatusPath returns the path of the status JSON file.
func (l *Log) StatusPath() string { return filepath.Join(l.dir, statusName) }

// Track appends one turn to the log and bumps the status counters.
// Heartbeat turns are dropped without touching either file. The append
// and the status write are separate operations; the status file is
// rewritten atomically so it stays readable if either side fails.
func (l *Log) Track(text string) error {
	if textutil.IsHeartbeat(text) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := fmt.Sprintf("[%s] %s%s", l.now().UTC().Format(time.RFC3339), text, entrySeparator)
	f, err := os.OpenFile(l.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pending: open log: %w", err)
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return fmt.Errorf("pending: append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("pending: close log: %w", err)
	}

	st := l.readStatus()
	st.Messages++
	st.Tokens += tokenutil.EstimateTokens(text)
	if err := l.writeStatus(st); err != nil {
		return err
	}
	return nil
}

// Status returns the current counters. A missing or malformed status
// file reads as zero.
func (l *Log) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readStatus()
}

// Reset zeroes the status and removes the log. The status write lands
// first so a crash between the two steps leaves "nothing pending"
// rather than a phantom backlog.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeStatus(Status{}); err != nil {
		return err
	}
	if err := os.Remove(l.LogPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pending: remove log: %w", err)
	}
	return nil
}

// ReadTranscript returns the raw log contents, or "" when the log is
// missing.
func (l *Log) ReadTranscript() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.LogPath())
	if err != nil {
		return ""
	}
	return string(data)
}

func (l *Log) readStatus() Status {
	data, err := os.ReadFile(l.StatusPath())
	if err != nil {
		return Status{}
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}
	}
	if st.Messages < 0 || st.Tokens < 0 {
		return Status{}
	}
	return st
}

func (l *Log) writeStatus(st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pending: marshal status: %w", err)
	}

	// Atomic write: temp file in the same directory, then rename.
	tmp, err := os.CreateTemp(l.dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("pending: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pending: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pending: close temp: %w", err)
	}
	if err := os.Rename(tmpName, l.StatusPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pending: rename status: %w", err)
	}
	return nil
}
