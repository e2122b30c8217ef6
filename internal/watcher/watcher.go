// Package watcher polls the master session and produces MasterSnapshots,
// following the same dedicated-goroutine poll-loop shape as the scanner
// that discovers markets in the market-making lineage this engine descends
// from: an immediate poll on startup, then a ticker, publishing results to
// a single-slot channel so the engine always reads the freshest snapshot.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"copyengine/internal/session"
	"copyengine/internal/terminal"
	"copyengine/pkg/types"
)

// MasterWatcher polls the master's session every PollInterval and emits a
// MasterSnapshot per successful read. A failed read emits nothing for that
// tick — the engine keeps its previous shadow state unchanged, since a
// missing read must never be treated as a mass-close.
type MasterWatcher struct {
	master       *session.Supervisor
	pollInterval time.Duration
	opDeadline   time.Duration
	logger       *slog.Logger
	resultCh     chan types.MasterSnapshot
	degraded     bool
	onSkip       func()
}

// New creates a watcher for the given master session supervisor. onSkip,
// if non-nil, fires whenever a snapshot is overwritten before the engine
// read it — the tick-loop drop policy from §4.7/§8 (never queue; count it).
func New(master *session.Supervisor, pollInterval, opDeadline time.Duration, logger *slog.Logger, onSkip func()) *MasterWatcher {
	return &MasterWatcher{
		master:       master,
		pollInterval: pollInterval,
		opDeadline:   opDeadline,
		logger:       logger.With("component", "master-watcher"),
		resultCh:     make(chan types.MasterSnapshot, 1),
		onSkip:       onSkip,
	}
}

// Snapshots returns the channel the engine reads from. Only the most recent
// snapshot is retained if the engine falls behind (stale result replaced,
// never queued).
func (w *MasterWatcher) Snapshots() <-chan types.MasterSnapshot {
	return w.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (w *MasterWatcher) Run(ctx context.Context) {
	w.poll(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *MasterWatcher) poll(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, w.opDeadline)
	defer cancel()

	var positions map[uint64]types.Position
	err := w.master.Do(opCtx, func(sess terminal.Session) error {
		p, e := sess.ReadState(opCtx)
		positions = p
		return e
	})
	if err != nil {
		w.markDegraded(err)
		return
	}

	if w.degraded {
		w.logger.Info("master terminal recovered")
		w.degraded = false
	}

	snapshot := types.NewMasterSnapshot(positions, time.Now())

	select {
	case w.resultCh <- snapshot:
	default:
		select {
		case <-w.resultCh:
			if w.onSkip != nil {
				w.onSkip()
			}
		default:
		}
		w.resultCh <- snapshot
	}
}

// markDegraded logs engine_degraded once per continuous outage (§7), then
// stays quiet on subsequent ticks until the master recovers.
func (w *MasterWatcher) markDegraded(err error) {
	if !w.degraded {
		w.logger.Warn("engine_degraded: master terminal unavailable, retaining shadow state", "error", err)
		w.degraded = true
		return
	}
	w.logger.Debug("master terminal still unavailable, retaining shadow state", "error", err)
}
