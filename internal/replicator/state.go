// Package replicator fans each diff Event out to every copy-enabled
// follower, maintaining per-follower position maps and idempotence
// guards. The per-follower fan-out-with-WaitGroup shape is grounded on the
// reference copy-trading service's per-slave-account dispatch pattern; the
// per-follower worker boundary itself follows the per-unit goroutine shape
// used for per-market strategy loops in this engine's lineage.
package replicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"copyengine/internal/session"
	"copyengine/pkg/types"
)

// FollowerState is the Replicator's exclusive, per-follower mutable state:
// the follower record, its session supervisor, the master-ticket ->
// slave-ticket position map, and the set of master tickets currently
// mid-replication (so concurrent ticks never double-open).
type FollowerState struct {
	Follower   types.Follower
	Supervisor *session.Supervisor

	mu             sync.Mutex
	positionMap    map[uint64]uint64
	pending        map[uint64]struct{}
	unknownSymbols map[string]struct{}
	lastError      error
	lastTickOkAt   time.Time
	degraded       bool
}

// NewFollowerState creates per-follower state owned exclusively by the
// Replicator entry for that follower.
func NewFollowerState(f types.Follower, sup *session.Supervisor) *FollowerState {
	return &FollowerState{
		Follower:       f,
		Supervisor:     sup,
		positionMap:    make(map[uint64]uint64),
		pending:        make(map[uint64]struct{}),
		unknownSymbols: make(map[string]struct{}),
	}
}

// SlaveTicket returns the mapped slave ticket for a master ticket, if any.
func (fs *FollowerState) SlaveTicket(masterTicket uint64) (uint64, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.positionMap[masterTicket]
	return t, ok
}

// beginOpen records masterTicket as pending and reports whether the caller
// must skip the open: this follower already has a mapped position for it,
// or an open for it is still in flight (open idempotence).
func (fs *FollowerState) beginOpen(masterTicket uint64) (skip bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.positionMap[masterTicket]; ok {
		return true
	}
	if _, ok := fs.pending[masterTicket]; ok {
		return true
	}
	fs.pending[masterTicket] = struct{}{}
	return false
}

// completeOpen records the resulting slave ticket (on success) and clears
// the pending marker.
func (fs *FollowerState) completeOpen(masterTicket, slaveTicket uint64, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.pending, masterTicket)
	if err == nil {
		fs.positionMap[masterTicket] = slaveTicket
	}
}

// symbolIsUnknown reports whether a prior open on symbol already failed as
// unknown for this follower.
func (fs *FollowerState) symbolIsUnknown(symbol string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.unknownSymbols[symbol]
	return ok
}

// markSymbolUnknown records that an open on symbol failed as unknown,
// reporting whether this is the first time for this symbol (the caller
// logs only on a first occurrence). The map entry stays absent, so
// beginOpen keeps treating the position as unopened; applyOpen checks
// symbolIsUnknown first and skips the open attempt on later ticks, with no
// log line, copy-log entry or notification.
func (fs *FollowerState) markSymbolUnknown(symbol string) (first bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.unknownSymbols[symbol]; ok {
		return false
	}
	fs.unknownSymbols[symbol] = struct{}{}
	return true
}

// clearSymbolUnknown drops a symbol's suppression after a successful open
// on it. applyOpen never attempts an open on a flagged symbol, so once set
// the flag otherwise lasts as long as this FollowerState.
func (fs *FollowerState) clearSymbolUnknown(symbol string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.unknownSymbols, symbol)
}

// completeClose removes the position map entry after a successful close.
func (fs *FollowerState) completeClose(masterTicket uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.positionMap, masterTicket)
}

// recordOutcome updates last-error/last-tick-ok bookkeeping used by the
// health monitor and engine.health().
func (fs *FollowerState) recordOutcome(err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err == nil {
		fs.lastError = nil
		fs.lastTickOkAt = time.Now()
		fs.degraded = false
		return
	}
	fs.lastError = err
	fs.degraded = true
}

// Snapshot returns a read-only view of this follower's bookkeeping.
type Snapshot struct {
	LastError    error
	LastTickOkAt time.Time
	Degraded     bool
	OpenPositions int
}

// Snapshot returns the current bookkeeping state.
func (fs *FollowerState) Snapshot() Snapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Snapshot{
		LastError:     fs.lastError,
		LastTickOkAt:  fs.lastTickOkAt,
		Degraded:      fs.degraded,
		OpenPositions: len(fs.positionMap),
	}
}

// AwaitIdle blocks until no master ticket is mid-replication for this
// follower, or ctx is done. Used by Unregister to honor UNREG_DEADLINE.
func (fs *FollowerState) AwaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		fs.mu.Lock()
		n := len(fs.pending)
		fs.mu.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("await idle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
