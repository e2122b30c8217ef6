// Package engine is the central orchestrator of the copy trading engine.
//
// It wires together every subsystem:
//
//  1. A session.Supervisor holds the master's terminal login.
//  2. A watcher.MasterWatcher polls it on a fixed interval and publishes
//     MasterSnapshots.
//  3. Each tick, diff.Diff compares the new snapshot against the previous
//     one (the engine's own shadow state) to produce a list of Events.
//  4. A registry.Registry holds one FollowerState per subscribed follower.
//  5. replicator.Replicator fans each tick's events out across every
//     active, copy-enabled follower, one goroutine per follower, all
//     serialized against the master's own terminal calls by a single
//     shared terminal.Lock.
//  6. health.Monitor aggregates tick/skip bookkeeping into the external
//     health surface.
//
// Lifecycle: New() -> Start() -> [runs until Stop()] -> Stop().
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copyengine/internal/config"
	"copyengine/internal/copylog"
	"copyengine/internal/diff"
	"copyengine/internal/health"
	"copyengine/internal/notify"
	"copyengine/internal/registry"
	"copyengine/internal/replicator"
	"copyengine/internal/session"
	"copyengine/internal/terminal"
	"copyengine/internal/watcher"
	"copyengine/pkg/types"
)

// Engine orchestrates the full master-to-followers replication pipeline.
type Engine struct {
	cfg config.Config

	master     *session.Supervisor
	watcher    *watcher.MasterWatcher
	registry   *registry.Registry
	replicator *replicator.Replicator
	health     *health.Monitor
	copyLog    copylog.Sink
	logger     *slog.Logger

	shadowMu sync.Mutex
	shadow   types.MasterSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component from cfg. notifier is the sink for
// user-facing trade/error events (LogNotifier, WSHub, or a fan-out of
// both); newSession builds a terminal.Session for a follower login,
// decoupling the registry from the concrete bridge client.
func New(cfg config.Config, notifier notify.Notifier, newSession registry.NewSession, logger *slog.Logger) (*Engine, error) {
	var copyLog copylog.Sink
	if cfg.CopyLog.Enabled {
		store, err := copylog.Open(cfg.CopyLog.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open copy log: %w", err)
		}
		copyLog = store
	} else {
		copyLog = copylog.NullStore{}
	}

	// lock is the single terminal mutex shared by the master's Supervisor
	// and every follower's: the vendor terminal holds one active login per
	// process, so no two of them may ever be mid-call at once (spec.md §5).
	lock := terminal.NewLock()

	masterSession := terminal.NewClient(cfg, cfg.Master.Login, cfg.Master.Password, cfg.Master.Server, logger)
	masterBucket := terminal.NewReconnectBucket(cfg.Terminal.ReconnectInterval)
	masterSup := session.New(cfg.Master.Login, masterSession, masterBucket, lock, logger, func(login string) {
		notifier.Send(types.NotifierMessage{
			Type:      types.MsgAuthFailed,
			UserID:    0,
			AccountID: 0,
			TS:        time.Now(),
			Payload:   types.AuthFailedPayload{Login: login},
		})
	})

	reg := registry.New(newSession, lock, cfg.Terminal.ReconnectInterval, cfg.Deadlines.UnregDeadline, cfg.DryRun, notifier, logger)
	rep := replicator.New(cfg, notifier, copyLog, logger)
	mon := health.New(cfg.Terminal.PollInterval*10, logger)

	mw := watcher.New(masterSup, cfg.Terminal.PollInterval, cfg.Deadlines.OpDeadline, logger, mon.RecordSkip)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		master:     masterSup,
		watcher:    mw,
		registry:   reg,
		replicator: rep,
		health:     mon,
		copyLog:    copyLog,
		logger:     logger.With("component", "engine"),
		shadow:     types.MasterSnapshot{},
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the watcher, health monitor, and the main tick loop.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watcher.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.health.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tickLoop()
	}()

	e.logger.Info("engine started", "dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels the tick loop and watcher, waits for in-flight replication
// to settle within SHUTDOWN_DEADLINE, disconnects every session, and
// closes the copy log.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.Deadlines.ShutdownDeadline):
		e.logger.Warn("shutdown deadline exceeded, proceeding with disconnects anyway")
	}

	discCtx, discCancel := context.WithTimeout(context.Background(), e.cfg.Deadlines.ShutdownDeadline)
	defer discCancel()
	e.registry.DisconnectAll(discCtx)

	if err := e.master.Disconnect(discCtx); err != nil {
		e.logger.Warn("master disconnect failed", "error", err)
	}

	if err := e.copyLog.Close(); err != nil {
		e.logger.Warn("copy log close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// Register subscribes a new follower. Safe to call while the engine is
// running; the follower participates starting with the next tick.
func (e *Engine) Register(ctx context.Context, f types.Follower) error {
	return e.registry.Register(ctx, f)
}

// Unregister removes a follower, waiting for any in-flight replication to
// settle before disconnecting its session.
func (e *Engine) Unregister(ctx context.Context, id uint64) error {
	return e.registry.Unregister(ctx, id)
}

// Health returns the engine's current external health surface.
func (e *Engine) Health() types.HealthStatus {
	return e.health.Status(e.registry.SnapshotActive())
}

// tickLoop reads snapshots from the watcher as they arrive. The watcher's
// single-slot channel already drops stale snapshots rather than queuing
// them, so a tick is only ever run against the freshest master state.
func (e *Engine) tickLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case snapshot, ok := <-e.watcher.Snapshots():
			if !ok {
				return
			}
			e.runTick(snapshot)
		}
	}
}

func (e *Engine) runTick(snapshot types.MasterSnapshot) {
	e.shadowMu.Lock()
	prev := e.shadow
	e.shadowMu.Unlock()

	events := diff.Diff(prev, snapshot)
	e.health.RecordTick(snapshot.CapturedAt)

	if len(events) > 0 {
		followers := e.registry.SnapshotActive()
		e.replicator.Dispatch(e.ctx, events, followers)
	}

	e.shadowMu.Lock()
	e.shadow = snapshot
	e.shadowMu.Unlock()
}
