// Package textutil holds the text predicates and cleaners shared by the
// recall pipeline and the narrative engine: heartbeat detection, the
// degenerate-repetition truncator, metadata stripping, and the loose
// date markers embedded in memory bodies.
package textutil

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
)

const heartbeatToken = "HEARTBEAT_OK"

// IsHeartbeat reports whether a message is a keepalive exchange that
// must never enter long-term memory. The rule is string-exact: either
// the full heartbeat instruction plus acknowledgement, or a bare
// acknowledgement.
func IsHeartbeat(text string) bool {
	if strings.TrimSpace(text) == heartbeatToken {
		return true
	}
	return strings.Contains(text, "Read HEARTBEAT.md") && strings.Contains(text, heartbeatToken)
}

// TruncateRepetitive cuts degenerate LLM loops: when a chunk of at
// least 3 runes (with at least 3 non-whitespace characters) is
// immediately repeated, everything from the second copy onward is
// dropped. Chunk sizes are tried from half the text downward so the
// longest repetition wins, and the scan continues on the truncated
// text until no repetition remains.
func TruncateRepetitive(s string) string {
	runes := []rune(s)
	for size := len(runes) / 2; size >= 3; size-- {
		for i := 0; i+2*size <= len(runes); i++ {
			chunk := runes[i : i+size]
			if !slices.Equal(chunk, runes[i+size:i+2*size]) {
				continue
			}
			if nonSpaceCount(chunk) < 3 {
				continue
			}
			runes = runes[:i+size]
			break
		}
	}
	return string(runes)
}

func nonSpaceCount(runes []rune) int {
	n := 0
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

const metadataMarker = "Conversation info (untrusted metadata):"

var metadataBlockRe = regexp.MustCompile("(?s)" + regexp.QuoteMeta(metadataMarker) + "\\s*```json.*?```\\s*")

// StripUntrustedMetadata removes the injected conversation-metadata
// block (marker line plus fenced JSON) from a prompt. An unterminated
// fence drops everything from the marker to the end.
func StripUntrustedMetadata(prompt string) string {
	cleaned := metadataBlockRe.ReplaceAllString(prompt, "")
	if idx := strings.Index(cleaned, metadataMarker); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	return strings.TrimSpace(cleaned)
}

var (
	dateAnchorRe   = regexp.MustCompile(`(?:Ocurrido el|memory log for|FECHA:|DATE:)\s*(\d{4}-\d{2}-\d{2})`)
	timestampTagRe = regexp.MustCompile(`\[TIMESTAMP:([^\]]+)\]`)
	multiSpaceRe   = regexp.MustCompile(` {2,}`)
)

// DateAnchor extracts the YYYY-MM-DD date from a recognized date marker
// ("FECHA:", "DATE:", "Ocurrido el", "memory log for") in a memory body.
func DateAnchor(content string) (string, bool) {
	m := dateAnchorRe.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// TimestampTag extracts the raw value of the first [TIMESTAMP:...] tag.
func TimestampTag(content string) (string, bool) {
	m := timestampTagRe.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// StripTimestampTags removes every [TIMESTAMP:...] tag and tidies the
// whitespace the removal leaves behind.
func StripTimestampTags(content string) string {
	out := timestampTagRe.ReplaceAllString(content, "")
	out = multiSpaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// NormalizedKey lowercases content, keeps only letters and digits, and
// truncates to max runes. Used as a near-duplicate key for bullets.
func NormalizedKey(content string, max int) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.ToLower(content) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(r)
		n++
		if n >= max {
			break
		}
	}
	return b.String()
}

// IsJSONOnly reports whether a body is a bare JSON object, which reads
// as noise when surfaced verbatim in a recollection.
func IsJSONOnly(content string) bool {
	t := strings.TrimSpace(content)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
}
