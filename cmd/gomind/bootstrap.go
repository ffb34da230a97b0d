package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/go-mind/internal/config"
	"github.com/mattn/go-isatty"
)

func runBootstrapCommand(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	force := fs.Bool("force", false, "re-ingest even when the completion flag exists")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: gomind bootstrap [-force]")
		return 2
	}

	sub, cleanup, err := openSubsystem(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		return 1
	}
	defer cleanup()

	n, err := sub.BootstrapHistory(ctx, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		return 1
	}

	fmt.Printf("historical ingest: %d files\n", n)
	if n == 0 && !*force && isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println("(already bootstrapped or nothing in memory/; -force re-ingests)")
	}
	return 0
}
