package resonance

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-mind/internal/completion"
	"github.com/basket/go-mind/internal/timeutil"
)

// render turns each group into its block, rewriting through the
// gateway when enabled and falling back to the raw bullets otherwise.
// Group order is preserved; rewrites run in parallel.
func (p *Pipeline) render(ctx context.Context, groups []group, in Input) []string {
	now := p.now()
	blocks := make([]string, len(groups))

	if !p.cfg.Rewrite || p.gateway == nil {
		p.setPhase(PhaseFallback)
		for i, g := range groups {
			blocks[i] = rawGroupBlock(g, now)
		}
		return blocks
	}

	p.setPhase(PhaseRewriting)
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(slot int, g group) {
			defer wg.Done()
			blocks[slot] = p.rewriteGroup(ctx, g, now, in)
		}(i, g)
	}
	wg.Wait()
	return blocks
}

func groupHeader(query string) string {
	return `--- PENSAR EN "` + query + `" ME RECUERDA QUE ---`
}

// bulletLines renders one bullet per memory with its relative-time
// prefix. Items arrive chronologically sorted.
func bulletLines(items []candidate, now time.Time) []string {
	out := make([]string, 0, len(items))
	for _, c := range items {
		if c.hasEff {
			out = append(out, "- ("+timeutil.Annotate(c.eff, now)+") "+c.res.Content)
		} else {
			out = append(out, "- "+c.res.Content)
		}
	}
	return out
}

// rawGroupBlock is the no-gateway rendering: the transition line plus
// the labeled bullets.
func rawGroupBlock(g group, now time.Time) string {
	return groupHeader(g.query) + "\n" + strings.Join(bulletLines(g.items, now), "\n")
}

// rewriteGroup asks the gateway to re-voice the group's bullets as the
// narrator's own flashback. Any failure, or output that the line
// filter rejects entirely, falls back to the raw block.
func (p *Pipeline) rewriteGroup(ctx context.Context, g group, now time.Time, in Input) string {
	fallback := rawGroupBlock(g, now)
	res, err := p.gateway.Complete(ctx, completion.Request{
		Prompt:      buildRewritePrompt(g.query, bulletLines(g.items, now), in),
		Model:       p.cfg.Model,
		Temperature: 0,
	})
	if err != nil {
		p.logger.Debug("group rewrite failed", "query", g.query, "error", err)
		return fallback
	}
	if res.Failed() {
		p.logger.Debug("group rewrite failed", "query", g.query, "kind", string(res.ErrorKind))
		return fallback
	}
	filtered := filterRewriteOutput(res.Text)
	if filtered == "" {
		return fallback
	}
	if !strings.HasPrefix(filtered, "---") {
		filtered = groupHeader(g.query) + "\n" + filtered
	}
	return filtered
}

var rewriteKeepRe = regexp.MustCompile(`(?i)reminds me|recuerda que`)

// filterRewriteOutput keeps only lines that look like memory bullets
// or transitions, dropping any prose the model wrapped around them.
func filterRewriteOutput(text string) string {
	var keep []string
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, "-") || strings.HasPrefix(t, "*") || strings.HasPrefix(t, "•") ||
			strings.HasPrefix(t, "---") || rewriteKeepRe.MatchString(t) {
			keep = append(keep, t)
		}
	}
	return strings.Join(keep, "\n")
}

func buildRewritePrompt(query string, bullets []string, in Input) string {
	var b strings.Builder
	b.WriteString("These memories just surfaced in you, like involuntary flashbacks. Rewrite them in your own subconscious voice.\n\n")
	if in.Soul != "" || in.Story != "" {
		b.WriteString("This is who you are:\n\n")
		if in.Soul != "" {
			b.WriteString(in.Soul)
			b.WriteString("\n\n")
		}
		if in.Story != "" {
			b.WriteString(in.Story)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("The user just said (answer in this language):\n")
	b.WriteString(in.Prompt)
	b.WriteString("\n\nThe memories:\n")
	b.WriteString(groupHeader(query))
	b.WriteString("\n")
	b.WriteString(strings.Join(bullets, "\n"))
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Keep the transition line exactly as given.\n")
	b.WriteString("- Keep every memory as a bullet and keep every fact, name, and time reference.\n")
	b.WriteString("- Change only the style and the point of view: first person, as if remembering.\n")
	b.WriteString("- Do not invent events, people, or sensory details that are not in the memories.\n")
	b.WriteString("\nReturn only the rewritten block.")
	return b.String()
}
