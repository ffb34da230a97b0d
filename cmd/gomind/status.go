package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/go-mind/internal/config"
	"github.com/basket/go-mind/internal/mind"
	"github.com/mattn/go-isatty"
)

func runStatusCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gomind status")
		return 2
	}

	sub, cleanup, err := openSubsystem(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer cleanup()

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rep := sub.Status(probeCtx)

	fmt.Print(formatStatusReport(cfg, rep))
	if rep.FirstRun && isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("\nFirst run: defaults active until %s exists.\n", config.ConfigPath(cfg.HomeDir))
	}
	return 0
}

// formatStatusReport renders the operator summary, one field per line.
func formatStatusReport(cfg config.Config, rep mind.StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "home:        %s\n", cfg.HomeDir)
	fmt.Fprintf(&b, "scope:       %s\n", cfg.Scope)
	fmt.Fprintf(&b, "pending:     %d messages, ~%d tokens (threshold %d)\n",
		rep.Pending.Messages, rep.Pending.Tokens, cfg.Narrative.Threshold)
	switch {
	case !cfg.Narrative.Enabled:
		b.WriteString("story:       disabled\n")
	case rep.StoryNew:
		b.WriteString("story:       not written yet\n")
	case rep.StoryAnchor.IsZero():
		fmt.Fprintf(&b, "story:       %d words, no anchor yet\n", rep.StoryWords)
	default:
		fmt.Fprintf(&b, "story:       %d words, anchor %s\n",
			rep.StoryWords, rep.StoryAnchor.UTC().Format(time.RFC3339))
	}
	graphState := "unreachable"
	if rep.GraphOK {
		graphState = "ok"
	}
	fmt.Fprintf(&b, "graph:       %s (%s)\n", rep.GraphKind, graphState)
	if !rep.NextConsolidation.IsZero() {
		fmt.Fprintf(&b, "next check:  %s\n", rep.NextConsolidation.UTC().Format(time.RFC3339))
	}
	return b.String()
}
