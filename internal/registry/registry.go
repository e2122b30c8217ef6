// Package registry is the thread-safe set of active followers, adapted
// from the engine orchestrator's slots map + RWMutex + locked
// start/stop-market pattern: the same "snapshot at tick start, mutate only
// under the lock" discipline applies here to followers instead of markets.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copyengine/internal/notify"
	"copyengine/internal/replicator"
	"copyengine/internal/session"
	"copyengine/internal/terminal"
	"copyengine/pkg/types"
)

// NewSession builds a terminal.Session for a follower login. Supplied by
// the engine at construction so the registry stays decoupled from the
// concrete bridge client.
type NewSession func(login, password, server string) terminal.Session

// Registry holds one FollowerState per active follower ID.
type Registry struct {
	mu             sync.RWMutex
	states         map[uint64]*replicator.FollowerState
	newSession     NewSession
	lock           *terminal.Lock
	reconnectEvery time.Duration
	unregDeadline  time.Duration
	dryRun         bool
	notifier       notify.Notifier
	logger         *slog.Logger
}

// New creates an empty registry. lock is the single terminal.Lock shared by
// every follower's Supervisor (and the master's, via the engine) so no two
// logins are ever active on the vendor terminal at once. notifier is used
// to emit the auth_failed notification (§6/§7) when a follower's session is
// rejected as fatal. When dryRun is set, Register never attempts a real
// login against a follower's terminal bridge.
func New(newSession NewSession, lock *terminal.Lock, reconnectEvery, unregDeadline time.Duration, dryRun bool, notifier notify.Notifier, logger *slog.Logger) *Registry {
	return &Registry{
		states:         make(map[uint64]*replicator.FollowerState),
		newSession:     newSession,
		lock:           lock,
		reconnectEvery: reconnectEvery,
		unregDeadline:  unregDeadline,
		dryRun:         dryRun,
		notifier:       notifier,
		logger:         logger.With("component", "registry"),
	}
}

// Register creates a supervisor+session for follower and attempts the
// initial connect. A follower already present is left untouched (the
// operation is idempotent). The follower is inserted into the active set
// only once that connect succeeds (or is skipped for dry-run); on failure
// the follower is dropped entirely and the error is returned so the caller
// can retry registration, per spec.md §4.6.
func (r *Registry) Register(ctx context.Context, f types.Follower) error {
	r.mu.Lock()
	if _, exists := r.states[f.ID]; exists {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sess := r.newSession(f.Login, f.Password, f.Server)
	bucket := terminal.NewReconnectBucket(r.reconnectEvery)
	userID, followerID := f.UserID, f.ID
	sup := session.New(f.Login, sess, bucket, r.lock, r.logger, func(login string) {
		if r.notifier == nil {
			return
		}
		r.notifier.Send(types.NotifierMessage{
			Type:      types.MsgAuthFailed,
			UserID:    userID,
			AccountID: followerID,
			TS:        time.Now(),
			Payload:   types.AuthFailedPayload{Login: login},
		})
	})

	if r.dryRun {
		r.logger.Info("dry_run register, skipping initial connect", "follower_id", f.ID)
	} else if err := sup.Ensure(ctx); err != nil {
		r.logger.Warn("initial connect failed, follower not registered", "follower_id", f.ID, "error", err)
		return fmt.Errorf("follower %d: initial connect failed: %w", f.ID, err)
	}

	state := replicator.NewFollowerState(f, sup)

	r.mu.Lock()
	r.states[f.ID] = state
	r.mu.Unlock()

	return nil
}

// Unregister marks id for removal, waits for any in-flight task to
// complete (or for UNREG_DEADLINE to elapse), then disconnects and removes
// it.
func (r *Registry) Unregister(ctx context.Context, id uint64) error {
	r.mu.Lock()
	state, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.states, id)
	r.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, r.unregDeadline)
	defer cancel()

	if err := state.AwaitIdle(waitCtx); err != nil {
		r.logger.Warn("unregister proceeding despite in-flight task", "follower_id", id, "error", err)
	}

	discCtx, discCancel := context.WithTimeout(context.Background(), r.unregDeadline)
	defer discCancel()
	return state.Supervisor.Disconnect(discCtx)
}

// SnapshotActive returns a stable view of active follower states for the
// current tick. Followers registered mid-tick participate starting next
// tick, since they are simply absent from this snapshot.
func (r *Registry) SnapshotActive() []*replicator.FollowerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*replicator.FollowerState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently registered followers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Get returns the FollowerState for id, if registered.
func (r *Registry) Get(id uint64) (*replicator.FollowerState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	if !ok {
		return nil, fmt.Errorf("follower %d not registered", id)
	}
	return s, nil
}

// DisconnectAll disconnects every registered follower's session. Used on
// engine shutdown after in-flight tasks have been waited out.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.RLock()
	states := make([]*replicator.FollowerState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.RUnlock()

	for _, s := range states {
		if err := s.Supervisor.Disconnect(ctx); err != nil {
			r.logger.Warn("disconnect on shutdown failed", "follower_id", s.Follower.ID, "error", err)
		}
	}
}
