// Package session records conversation turns as NDJSON transcripts and
// scans them back for narrative sync. One transcript per session id,
// appended under <home>/sessions/.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-mind/internal/shared"
	"github.com/basket/go-mind/internal/timeutil"
)

// Message is one transcript line. Scan only returns lines that parse as
// this shape; the sync loop filters further by type and timestamp.
type Message struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Time parses the entry timestamp. ok is false for absent or malformed
// stamps.
func (m Message) Time() (time.Time, bool) {
	return timeutil.ParseTimestamp(m.Timestamp)
}

var (
	mu   sync.Mutex
	file *os.File
	path string
)

// Init opens the transcript for sessionID under dir, creating the
// directory if needed. Idempotent while a transcript is open.
func Init(dir, sessionID string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: create dir: %w", err)
	}
	p := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session: open transcript: %w", err)
	}
	file = f
	path = p
	return nil
}

// Path returns the current transcript path. It stays set after Close so
// the file can still be excluded from global sync.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return path
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one message line. No-op before Init. Secrets are
// redacted before persistence.
func Record(role, content string) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	m := Message{
		Type:      "message",
		Role:      role,
		Content:   shared.Redact(content),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(m)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Transcript lines are validated before use: anything that is not an
// object of string fields is skipped, which also drops entries whose
// content is structured rather than textual.
const lineSchemaJSON = `{
	"type": "object",
	"required": ["type", "timestamp"],
	"properties": {
		"type": {"type": "string"},
		"role": {"type": "string"},
		"content": {"type": "string"},
		"timestamp": {"type": "string"}
	}
}`

var lineSchema = mustCompileSchema(lineSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("session: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("session-line.json", doc); err != nil {
		panic(fmt.Sprintf("session: add schema resource: %v", err))
	}
	s, err := c.Compile("session-line.json")
	if err != nil {
		panic(fmt.Sprintf("session: compile schema: %v", err))
	}
	return s
}

// Transcript lines can carry whole pasted documents.
const maxLineBytes = 1 << 20

// Scan parses a transcript file. Lines that fail schema validation are
// skipped; an error is returned only when the file itself cannot be
// read.
func Scan(transcriptPath string) ([]Message, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, fmt.Errorf("session: open transcript: %w", err)
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
		if err != nil {
			continue
		}
		if err := lineSchema.Validate(doc); err != nil {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("session: scan transcript: %w", err)
	}
	return msgs, nil
}

// RecentTranscripts returns the limit most recently modified .jsonl
// files under dir, newest first. exclude (usually the caller's own
// transcript) is skipped. A missing dir yields no paths.
func RecentTranscripts(dir string, limit int, exclude string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read dir: %w", err)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var cands []candidate
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".jsonl") {
			continue
		}
		p := filepath.Join(dir, ent.Name())
		if exclude != "" && p == exclude {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: p, mod: info.ModTime()})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.After(cands[j].mod) })
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.path
	}
	return out, nil
}
