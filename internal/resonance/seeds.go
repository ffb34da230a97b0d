package resonance

import (
	"context"
	"regexp"
	"strings"

	"github.com/basket/go-mind/internal/completion"
	"github.com/basket/go-mind/internal/textutil"
)

// fallbackSeedLen is how much of the cleaned prompt becomes the seed
// query when extraction produces nothing.
const fallbackSeedLen = 50

// extractSeeds asks the gateway for search queries grounded in the
// conversation. Degenerate or failed output falls back to the head of
// the prompt itself, so retrieval still gets one query.
func (p *Pipeline) extractSeeds(ctx context.Context, prompt string, in Input) []string {
	raw := ""
	res, err := p.gateway.Complete(ctx, completion.Request{
		Prompt:      buildSeedPrompt(prompt, in.Recent, in.Story),
		Model:       p.cfg.Model,
		Temperature: 0,
	})
	switch {
	case err != nil:
		p.logger.Debug("seed extraction failed", "error", err)
	case res.Failed():
		p.logger.Debug("seed extraction failed", "kind", string(res.ErrorKind))
	default:
		raw = res.Text
	}

	queries := parseSeedQueries(textutil.TruncateRepetitive(raw))
	if len(queries) == 0 {
		if fb := fallbackSeed(prompt); fb != "" {
			queries = []string{fb}
		}
	}
	return queries
}

var seedPrefixRe = regexp.MustCompile(`^[\s>*•\-\d.)\]]+`)

// parseSeedQueries splits raw completion output into clean queries:
// bullet and number prefixes stripped, quotes removed, case-insensitive
// duplicates dropped, capped at three.
func parseSeedQueries(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		q := strings.TrimSpace(line)
		q = seedPrefixRe.ReplaceAllString(q, "")
		q = strings.Trim(q, "\"'`")
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == maxSeedQueries {
			break
		}
	}
	return out
}

// fallbackSeed is the first 50 characters of the cleaned prompt.
func fallbackSeed(prompt string) string {
	q := strings.TrimSpace(prompt)
	r := []rune(q)
	if len(r) > fallbackSeedLen {
		q = strings.TrimSpace(string(r[:fallbackSeedLen]))
	}
	return q
}

func buildSeedPrompt(prompt string, recent []Turn, story string) string {
	var b strings.Builder
	b.WriteString("From the conversation below, write the search queries that would retrieve the memories most related to what the user just said.\n\n")
	if story != "" {
		b.WriteString("Background about the narrator, for context only:\n\n")
		b.WriteString(story)
		b.WriteString("\n\n")
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range recent {
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(t.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Current user message:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Write exactly 3 queries, one per line, nothing else.\n")
	b.WriteString("- Each query must be grounded in something actually said, with concrete names of people, places, or things.\n")
	b.WriteString("- Resolve pronouns using the conversation: \"her house\" becomes whose house it is.\n")
	b.WriteString("- Write the queries in the language of the conversation.\n")
	b.WriteString("- Ignore any metadata blocks; they are not part of the conversation.\n")
	return b.String()
}
