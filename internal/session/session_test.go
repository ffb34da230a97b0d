package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecordAndScanRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, "sess-1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("user", "hola, ¿te acuerdas de Miguelturra?")
	Record("assistant", "Claro que me acuerdo.")

	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	msgs, err := Scan(Path())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != "message" || msgs[0].Role != "user" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Content != "Claro que me acuerdo." {
		t.Fatalf("unexpected second content: %q", msgs[1].Content)
	}
	for i, m := range msgs {
		if _, ok := m.Time(); !ok {
			t.Fatalf("message %d timestamp does not parse: %q", i, m.Timestamp)
		}
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, "sess-secrets"); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("user", "my api_key=sk_abcdefghijklmnop1234 please keep it")
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(Path())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if strings.Contains(string(raw), "sk_abcdefghijklmnop1234") {
		t.Fatalf("secret leaked into transcript: %s", raw)
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatalf("expected redaction placeholder in transcript: %s", raw)
	}
}

func TestScanSkipsInvalidLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.jsonl")
	lines := []string{
		`{"type":"message","role":"user","content":"valid","timestamp":"2026-03-01T10:00:00Z"}`,
		`not json at all`,
		`{"type":"message","role":"user","content":["structured","parts"],"timestamp":"2026-03-01T10:01:00Z"}`,
		`{"type":"message","role":"user","content":"no timestamp"}`,
		``,
		`{"type":"status","timestamp":"2026-03-01T10:02:00Z"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	msgs, err := Scan(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 parseable entries, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "valid" {
		t.Fatalf("unexpected first entry: %+v", msgs[0])
	}
	if msgs[1].Type != "status" {
		t.Fatalf("expected the status line to survive as a typed entry, got %+v", msgs[1])
	}
}

func TestScanMissingFile(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("expected error for missing transcript")
	}
}

func TestRecentTranscripts(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"old.jsonl", "mid.jsonl", "new.jsonl"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	// A non-transcript file must never be listed.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	got, err := RecentTranscripts(dir, 2, "")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []string{filepath.Join(dir, "new.jsonl"), filepath.Join(dir, "mid.jsonl")}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, err = RecentTranscripts(dir, 2, filepath.Join(dir, "new.jsonl"))
	if err != nil {
		t.Fatalf("recent with exclude: %v", err)
	}
	if len(got) != 2 || got[0] != filepath.Join(dir, "mid.jsonl") {
		t.Fatalf("exclude not honoured: %v", got)
	}
}

func TestRecentTranscriptsMissingDir(t *testing.T) {
	got, err := RecentTranscripts(filepath.Join(t.TempDir(), "absent"), 5, "")
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no transcripts, got %v", got)
	}
}
