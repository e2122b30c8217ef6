// Copy Trading Engine — replicates a master terminal account's open
// positions onto a set of follower accounts in near real time.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	internal/engine           — orchestrator: wires watcher -> diff -> replicator, manages follower lifecycle
//	internal/watcher           — polls the master terminal session on a fixed interval
//	internal/diff               — turns two consecutive master snapshots into ordered open/close/modify events
//	internal/replicator         — fans events out per follower: lot sizing, idempotent opens, best-effort modifies
//	internal/registry            — thread-safe set of active followers and their session supervisors
//	internal/session               — reconnect state machine wrapping one terminal login
//	internal/terminal                — HTTP client for the vendor terminal bridge (login/read/trade)
//	internal/health                    — aggregates tick/follower bookkeeping into the external health surface
//	internal/notify                      — trade/error notification sinks (log, per-user WebSocket)
//	internal/copylog                       — append-only JSON log of every replication outcome
//
// How it works:
//
//	The master account is polled every poll_interval. Each poll's position
//	set is diffed against the previous one to produce a list of opened,
//	closed, and modified positions. Every copy-enabled follower receives
//	its own goroutine that replicates those events against its own
//	terminal session, sized by its lot_multiplier and capped by max_lot.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copyengine/internal/api"
	"copyengine/internal/config"
	"copyengine/internal/engine"
	"copyengine/internal/notify"
	"copyengine/internal/terminal"
	"copyengine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	logNotifier := notify.NewLogNotifier(logger)

	var wsHub *notify.WSHub
	var notifier notify.Notifier = logNotifier
	if cfg.Notifier.Enabled {
		wsHub = notify.NewWSHub(logger)
		go wsHub.Run()
		notifier = &fanoutNotifier{sinks: []notify.Notifier{logNotifier, wsHub}}
	}

	newSession := func(login, password, server string) terminal.Session {
		return terminal.NewClient(*cfg, login, password, server, logger)
	}

	eng, err := engine.New(*cfg, notifier, newSession, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Notifier.Enabled {
		apiServer = api.NewServer(cfg.Notifier, eng, wsHub, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("notifier server failed", "error", err)
			}
		}()
		logger.Info("notifier server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Notifier.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("copy trading engine started",
		"master_login", cfg.Master.Login,
		"poll_interval", cfg.Terminal.PollInterval,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(stopCtx); err != nil {
			logger.Error("failed to stop notifier server", "error", err)
		}
		cancel()
	}

	eng.Stop()
}

// fanoutNotifier sends every message to each underlying sink. Used when
// both structured logging and the WebSocket hub should see every event.
type fanoutNotifier struct {
	sinks []notify.Notifier
}

func (f *fanoutNotifier) Send(msg types.NotifierMessage) {
	for _, sink := range f.sinks {
		sink.Send(msg)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
