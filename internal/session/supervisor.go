// Package session wraps a single terminal.Session with the reconnect state
// machine every BrokerSession needs: Disconnected -> Connecting -> Connected
// -> Failed, with PermanentlyFailed as the terminal state after AuthFailed.
//
// The vendor terminal holds a single active login per process, so every
// Supervisor — the master's and every follower's — shares one terminal.Lock.
// Do acquires it, re-establishes this login as the terminal's active
// identity, and runs the caller's operation, all while the lock is held;
// the terminal never sees two logins, or a master read and a follower
// write, interleaved mid-call (spec.md §5).
//
// A Failed session is retried lazily, on next use, gated by a token bucket
// so a flapping terminal can't be hammered with connect attempts.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"copyengine/internal/terminal"
)

// State is one of the supervisor's lifecycle states.
type State string

const (
	Disconnected      State = "disconnected"
	Connecting        State = "connecting"
	Connected         State = "connected"
	Failed            State = "failed"
	PermanentlyFailed State = "permanently_failed"
)

// Supervisor owns one terminal.Session and its reconnect policy. mu
// serializes this login's own state transitions; terminalLock is the
// shared, process-wide terminal mutex every Supervisor acquires for the
// duration of a Do call.
type Supervisor struct {
	mu           sync.Mutex
	state        State
	session      terminal.Session
	bucket       *terminal.TokenBucket
	terminalLock *terminal.Lock
	login        string
	logger       *slog.Logger
	lastErr      error
	onAuthFailed func(login string)
}

// New wraps session with reconnect bookkeeping. bucket gates retry attempts
// after a Failed transition. lock is the single terminal.Lock shared by
// every Supervisor in the process. onAuthFailed, if non-nil, fires exactly
// once the first time this session's login is rejected as fatal (the engine
// wires it to emit the auth_failed notification from §6/§7); it is never
// called again while the session stays PermanentlyFailed.
func New(login string, sess terminal.Session, bucket *terminal.TokenBucket, lock *terminal.Lock, logger *slog.Logger, onAuthFailed func(login string)) *Supervisor {
	return &Supervisor{
		state:        Disconnected,
		session:      sess,
		bucket:       bucket,
		terminalLock: lock,
		login:        login,
		logger:       logger.With("component", "session-supervisor", "login", login),
		onAuthFailed: onAuthFailed,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent connect/operation error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Do acquires the shared terminal lock, re-logs this session in as the
// terminal's active identity, and runs fn against the now-current session.
// Re-login happens on every call rather than only when not already
// Connected: another Supervisor may have logged in as itself while this one
// held no lock, so "already Connected" says nothing about who the terminal
// thinks is active right now. The lock is held for Connect and fn together,
// so no other Supervisor's call can land in between.
//
// Returns an error without touching the terminal if the session is
// PermanentlyFailed, or if it is Failed and the reconnect bucket has no
// token available yet.
func (s *Supervisor) Do(ctx context.Context, fn func(terminal.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == PermanentlyFailed {
		return fmt.Errorf("session %s permanently failed: %w", s.login, s.lastErr)
	}
	if s.state == Failed && !s.bucket.Allow() {
		return fmt.Errorf("session %s: reconnect throttled", s.login)
	}

	if err := s.terminalLock.Acquire(ctx); err != nil {
		return fmt.Errorf("session %s: acquire terminal lock: %w", s.login, err)
	}
	defer s.terminalLock.Release()

	s.state = Connecting
	if err := s.session.Connect(ctx); err != nil {
		s.lastErr = err
		if terminal.IsKind(err, terminal.KindAuthFailed) {
			s.state = PermanentlyFailed
			s.logger.Error("auth failed, marking permanently failed", "error", err)
			if s.onAuthFailed != nil {
				s.onAuthFailed(s.login)
			}
		} else {
			s.state = Failed
			// Take the bucket's token now so the next attempt waits out a
			// full reconnect interval.
			s.bucket.Allow()
			s.logger.Warn("connect failed", "error", err)
		}
		return err
	}
	s.state = Connected
	s.lastErr = nil

	if err := fn(s.session); err != nil {
		s.lastErr = err
		if terminal.IsKind(err, terminal.KindAuthFailed) {
			s.state = PermanentlyFailed
			s.logger.Error("auth failed, marking permanently failed", "error", err)
			if s.onAuthFailed != nil {
				s.onAuthFailed(s.login)
			}
		} else {
			s.state = Failed
		}
		return err
	}
	return nil
}

// Ensure connects the session, honoring the reconnect token bucket when in
// the Failed state. It is a thin wrapper over Do for callers that only need
// to verify/establish connectivity without issuing an operation.
func (s *Supervisor) Ensure(ctx context.Context) error {
	return s.Do(ctx, func(terminal.Session) error { return nil })
}

// Disconnect tears down the session and resets state to Disconnected. It
// holds the shared terminal lock for the duration of the call, like Do.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.terminalLock.Acquire(ctx); err != nil {
		return fmt.Errorf("session %s: acquire terminal lock: %w", s.login, err)
	}
	defer s.terminalLock.Release()

	err := s.session.Disconnect(ctx)
	s.state = Disconnected
	return err
}
