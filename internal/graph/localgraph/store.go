// Package localgraph is the offline graph backend: episodes in a local
// sqlite file, searched by naive token overlap instead of embeddings.
// It keeps the memory subsystem functional when no Graphiti service is
// configured.
package localgraph

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/basket/go-mind/internal/graph"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "mind-v1-2026-08-25-episodes"

	// searchWindow bounds how many recent episodes a search scans.
	searchWindow = 500
	maxHits      = 10

	defaultSinceLimit = 200
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the episode database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("localgraph: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("localgraph: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("localgraph: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localgraph: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("localgraph: create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("localgraph: read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("localgraph: db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("localgraph: read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("localgraph: schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			uuid TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_scope_created ON episodes(scope, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("localgraph: exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("localgraph: insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localgraph: commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// AddEpisode appends one episode. Episodes with an ID the store already
// holds are dropped silently, matching the remote backend's dedup.
func (s *Store) AddEpisode(ctx context.Context, scope string, ep graph.Episode) error {
	id := ep.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := ep.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO episodes (uuid, scope, role, content, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO NOTHING;
		`, id, scope, string(ep.Role), ep.Body, ep.Source, ts.UTC())
		if err != nil {
			return fmt.Errorf("localgraph: insert episode: %w", err)
		}
		return nil
	})
}

// SearchNodes scores recent episodes by token overlap with the query
// and returns short extracts of the best matches.
func (s *Store) SearchNodes(ctx context.Context, scope, query string) ([]graph.MemoryResult, error) {
	hits, err := s.search(ctx, scope, query)
	if err != nil {
		return nil, err
	}
	results := make([]graph.MemoryResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, graph.MemoryResult{
			Content:     extract(h.content),
			Timestamp:   h.createdAt,
			UUID:        h.uuid,
			Kind:        graph.KindNode,
			SourceQuery: query,
		})
	}
	return results, nil
}

// SearchFacts is the same scoring with whole episode bodies as content.
func (s *Store) SearchFacts(ctx context.Context, scope, query string) ([]graph.MemoryResult, error) {
	hits, err := s.search(ctx, scope, query)
	if err != nil {
		return nil, err
	}
	results := make([]graph.MemoryResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, graph.MemoryResult{
			Content:     h.content,
			Timestamp:   h.createdAt,
			UUID:        h.uuid,
			Kind:        graph.KindFact,
			SourceQuery: query,
		})
	}
	return results, nil
}

// EpisodesSince returns episodes newer than since, oldest first.
func (s *Store) EpisodesSince(ctx context.Context, scope string, since time.Time, limit int) ([]graph.Episode, error) {
	if limit <= 0 {
		limit = defaultSinceLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, role, content, source, created_at
		FROM episodes
		WHERE scope = ? AND created_at > ?
		ORDER BY created_at ASC
		LIMIT ?;
	`, scope, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("localgraph: query episodes: %w", err)
	}
	defer rows.Close()

	var out []graph.Episode
	for rows.Next() {
		var ep graph.Episode
		var role string
		if err := rows.Scan(&ep.ID, &role, &ep.Body, &ep.Source, &ep.Timestamp); err != nil {
			return nil, fmt.Errorf("localgraph: scan episode: %w", err)
		}
		ep.Role = graph.Role(role)
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localgraph: episode rows: %w", err)
	}
	return out, nil
}

type scoredEpisode struct {
	uuid      string
	content   string
	createdAt time.Time
	score     int
}

func (s *Store) search(ctx context.Context, scope, query string) ([]scoredEpisode, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, content, created_at
		FROM episodes
		WHERE scope = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, scope, searchWindow)
	if err != nil {
		return nil, fmt.Errorf("localgraph: query episodes: %w", err)
	}
	defer rows.Close()

	var scored []scoredEpisode
	for rows.Next() {
		var ep scoredEpisode
		if err := rows.Scan(&ep.uuid, &ep.content, &ep.createdAt); err != nil {
			return nil, fmt.Errorf("localgraph: scan episode: %w", err)
		}
		ep.score = overlap(terms, ep.content)
		if ep.score > 0 {
			scored = append(scored, ep)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localgraph: episode rows: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].createdAt.After(scored[j].createdAt)
	})
	if len(scored) > maxHits {
		scored = scored[:maxHits]
	}
	return scored, nil
}

// searchTerms lowercases the query and keeps words of three or more
// runes; one- and two-letter words match almost everything.
func searchTerms(query string) []string {
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

func overlap(terms []string, content string) int {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = struct{}{}
	}
	n := 0
	for _, t := range terms {
		if _, ok := words[t]; ok {
			n++
		}
	}
	return n
}

const extractLimit = 160

// extract returns the first sentence of content, capped at extractLimit
// runes. Node-style results stay short; the caller truncates further if
// needed.
func extract(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = strings.TrimSpace(content[:i])
	}
	if i := strings.Index(content, ". "); i >= 0 && i+1 <= extractLimit {
		return content[:i+1]
	}
	runes := []rune(content)
	if len(runes) <= extractLimit {
		return content
	}
	return string(runes[:extractLimit])
}
