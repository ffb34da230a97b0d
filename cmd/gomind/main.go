// Command gomind runs the long-term memory subsystem: a maintenance
// daemon by default, plus one-shot subcommands for operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-mind/internal/bus"
	"github.com/basket/go-mind/internal/config"
	"github.com/basket/go-mind/internal/mind"
	otelPkg "github.com/basket/go-mind/internal/otel"
	"github.com/basket/go-mind/internal/telemetry"
	"github.com/joho/godotenv"
)

// Version is stamped by the build; source runs report dev.
var Version = "dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the maintenance daemon (sync, bootstrap,
                              scheduled consolidation, config hot reload)

SUBCOMMANDS:
  %s status                   Show pending log, story and graph health
  %s sync                     Fold recent session transcripts into the story
  %s resonate "<prompt>"      Run one resonance pass and print the block
  %s bootstrap [-force]       Ingest historical daily logs into the graph
  %s doctor [-json]           Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MIND_HOME               Memory home directory (default: ~/.gomind)
  MIND_SKIP_RESONANCE     Set to 1 to skip the resonance pipeline
  GEMINI_API_KEY          Required for the default Google provider

EXAMPLES:
  Run the daemon:         %s
  Check the subsystem:    %s status
  Try a resonance pass:   %s resonate "how did the garden do last summer?"
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	_ = godotenv.Load()

	home := flag.String("home", "", "memory home directory (overrides MIND_HOME)")
	debug := flag.Bool("debug", false, "force debug logging")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*home, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, cfg, args[1:]))
		case "sync":
			os.Exit(runSyncCommand(ctx, cfg, args[1:]))
		case "resonate":
			os.Exit(runResonateCommand(ctx, cfg, args[1:]))
		case "bootstrap":
			os.Exit(runBootstrapCommand(ctx, cfg, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, cfg, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Daemon mode. Logs go to both the file and stdout so systemd and
	// an operator terminal see the same stream.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.FirstRun {
		logger.Info("no config.yaml found, defaults active",
			"path", config.ConfigPath(cfg.HomeDir))
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: "gomind",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	var metrics *otelPkg.Metrics
	if cfg.Otel.Enabled {
		m, err := otelPkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			logger.Warn("metric instruments unavailable", "error", err)
		} else {
			metrics = m
		}
	}

	sub, err := mind.New(ctx, mind.Config{
		Config:  cfg,
		Events:  eventBus,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
		Logger:  logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SUBSYSTEM_INIT", err)
	}
	defer func() { _ = sub.Close() }()
	logger.Info("startup phase", "phase", "subsystem_ready")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go applyReloads(watcher, cfg, sub, logger)
	}

	if err := sub.Start(ctx); err != nil {
		fatalStartup(logger, "E_MAINTENANCE_LOOP", err)
	}
	logger.Info("shutdown complete")
}

// loadConfig resolves the home directory (flag beats MIND_HOME beats
// ~/.gomind) and applies the -debug override on top of the file.
func loadConfig(home string, debug bool) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if home != "" {
		cfg, err = config.LoadFrom(home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// applyReloads consumes watcher events until the channel closes on
// shutdown. SOUL.md swaps the live identity; config.yaml re-runs Load
// and applies the hot-reloadable settings (narrative gate, log level).
// Storage and model changes still need a restart.
func applyReloads(w *config.Watcher, cfg config.Config, sub *mind.Subsystem, logger *slog.Logger) {
	for ev := range w.Events() {
		switch filepath.Base(ev.Path) {
		case "SOUL.md":
			data, err := os.ReadFile(ev.Path)
			if err != nil {
				logger.Warn("SOUL.md reload failed", "error", err)
				continue
			}
			sub.SetIdentity(string(data))
			logger.Info("identity hot-reloaded", "bytes", len(data))
		case "config.yaml":
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			sub.SetNarrativeEnabled(next.Narrative.Enabled)
			telemetry.SetLevel(next.LogLevel)
			if next.Fingerprint() != cfg.Fingerprint() {
				logger.Info("configuration changed, storage and model settings apply on restart",
					"fingerprint", next.Fingerprint())
			}
		}
	}
}

// openSubsystem builds a file-logged subsystem for one-shot
// subcommands. Logs stay out of stdout so command output pipes clean.
func openSubsystem(ctx context.Context, cfg config.Config, events *bus.Bus) (*mind.Subsystem, func(), error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	sub, err := mind.New(ctx, mind.Config{Config: cfg, Events: events, Logger: logger})
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = sub.Close()
		_ = closer.Close()
	}
	return sub, cleanup, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
