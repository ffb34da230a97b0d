package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/config"
)

func runSyncCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gomind sync")
		return 2
	}

	events := bus.New()
	sub, cleanup, err := openSubsystem(ctx, cfg, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync: %v\n", err)
		return 1
	}
	defer cleanup()

	updated := events.Subscribe(bus.TopicStoryUpdated)
	defer events.Unsubscribe(updated)
	skipped := events.Subscribe(bus.TopicConsolidationSkipped)
	defer events.Unsubscribe(skipped)

	if err := sub.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sync: %v\n", err)
		return 1
	}

	// Sync has returned, so anything published sits in the buffers.
	// A long backlog can flush in batches; report the last write.
	var last *bus.StoryUpdatedEvent
	for drained := false; !drained; {
		select {
		case ev := <-updated.Ch():
			if e, ok := ev.Payload.(bus.StoryUpdatedEvent); ok {
				last = &e
			}
		default:
			drained = true
		}
	}
	if last != nil {
		fmt.Printf("story updated: %d words, anchor %s\n",
			last.Words, last.Anchor.UTC().Format(time.RFC3339))
		return 0
	}

	select {
	case ev := <-skipped.Ch():
		if e, ok := ev.Payload.(bus.ConsolidationSkippedEvent); ok {
			fmt.Printf("sync skipped: %s\n", e.Reason)
			return 0
		}
	default:
	}
	fmt.Println("sync completed")
	return 0
}
