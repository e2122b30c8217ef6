package terminal

import "context"

// Lock is the single terminal mutex shared by every BrokerSession the engine
// drives: the master's and every follower's. The vendor terminal holds one
// active login per process, so exactly one Supervisor may be mid-call at any
// time, master read and follower writes alike (spec.md §5). Acquire/Release
// bracket that one call; nothing about Lock is per-login.
type Lock struct {
	ch chan struct{}
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	l := &Lock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the lock. It must be called exactly once per successful
// Acquire.
func (l *Lock) Release() {
	l.ch <- struct{}{}
}
