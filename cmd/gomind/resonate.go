package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/config"
	"github.com/mattn/go-isatty"
)

func runResonateCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, `usage: gomind resonate "<prompt>"`)
		return 2
	}

	events := bus.New()
	sub, cleanup, err := openSubsystem(ctx, cfg, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resonate: %v\n", err)
		return 1
	}
	defer cleanup()

	emitted := events.Subscribe(bus.TopicResonanceEmitted)
	defer events.Unsubscribe(emitted)

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	block, err := sub.Resonate(runCtx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "resonate: %v\n", err)
		return 1
	}

	if strings.TrimSpace(block) == "" {
		fmt.Println("(no resonance)")
	} else {
		fmt.Print(strings.TrimLeft(block, "\n"))
	}

	// Pipeline details for humans watching; piped output stays clean.
	if isatty.IsTerminal(os.Stdout.Fd()) {
		select {
		case ev := <-emitted.Ch():
			if e, ok := ev.Payload.(bus.ResonanceEmittedEvent); ok {
				fmt.Printf("\n%d memories in %s, queries: %s\n",
					e.Surfaced, e.Elapsed.Round(time.Millisecond), strings.Join(e.Queries, " | "))
			}
		default:
		}
	}
	return 0
}
