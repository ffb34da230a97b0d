package narrative

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	lockName       = "mind_narrative_sync.lock"
	lockStaleAfter = 120 * time.Second
)

// lockInfo is the lock file body.
type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is the cross-process guard for global narrative sync. It lives
// in the OS temp dir so every process narrating the same user-level
// story sees it, whatever home dir each was started with.
type Lock struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewLock places the lock file under dir, defaulting to the OS temp
// dir.
func NewLock(dir string, logger *slog.Logger) *Lock {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{path: filepath.Join(dir, lockName), logger: logger, now: time.Now}
}

func (l *Lock) Path() string { return l.path }

// Acquire takes the lock. It returns false when another process holds
// one younger than the stale threshold. A stale lock, usually left by a
// crashed process, is stolen with a warning.
func (l *Lock) Acquire() (bool, error) {
	if age, held := l.age(); held {
		if age < lockStaleAfter {
			return false, nil
		}
		l.logger.Warn("stealing stale narrative lock",
			"path", l.path, "age", age.Round(time.Second).String())
	}
	info := lockInfo{PID: os.Getpid(), StartedAt: l.now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("narrative: marshal lock: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return false, fmt.Errorf("narrative: write lock: %w", err)
	}
	return true, nil
}

// age reports how long the current lock has been held. The JSON body is
// preferred; a corrupt body falls back to the file mtime.
func (l *Lock) age() (time.Duration, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err == nil && !info.StartedAt.IsZero() {
		return l.now().Sub(info.StartedAt), true
	}
	if fi, err := os.Stat(l.path); err == nil {
		return l.now().Sub(fi.ModTime()), true
	}
	return 0, false
}

// Release removes the lock file. A missing file is fine: a stale lock
// may have been stolen while we held it.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("narrative: remove lock: %w", err)
	}
	return nil
}
