package watcher

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"copyengine/internal/session"
	"copyengine/internal/terminal"
	"copyengine/pkg/types"
)

type fakeSession struct {
	connectErr  error
	readErr     error
	positions   map[uint64]types.Position
	readCalls   int
}

func (f *fakeSession) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeSession) ReadState(ctx context.Context) (map[uint64]types.Position, error) {
	f.readCalls++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.positions, nil
}
func (f *fakeSession) Open(ctx context.Context, req terminal.OpenRequest) (uint64, error) {
	return 0, nil
}
func (f *fakeSession) Close(ctx context.Context, slaveTicket uint64) error   { return nil }
func (f *fakeSession) Modify(ctx context.Context, ticket uint64, sl, tp float64) error { return nil }
func (f *fakeSession) Disconnect(ctx context.Context) error                 { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSupervisor(sess *fakeSession) *session.Supervisor {
	return session.New("master", sess, terminal.NewReconnectBucket(time.Millisecond), terminal.NewLock(), testLogger(), nil)
}

func TestPollEmitsSnapshotOnSuccess(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{positions: map[uint64]types.Position{101: {Ticket: 101, Symbol: "EURUSD"}}}
	w := New(testSupervisor(sess), time.Second, time.Second, testLogger(), nil)

	w.poll(context.Background())

	select {
	case snap := <-w.Snapshots():
		if _, ok := snap.Positions[101]; !ok {
			t.Errorf("snapshot missing ticket 101: %+v", snap)
		}
	default:
		t.Fatal("expected a snapshot on the result channel after a successful poll")
	}
}

func TestPollEnsureFailureEmitsNothing(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{connectErr: &terminal.Error{Kind: terminal.KindUnreachable, Err: errBoom}}
	w := New(testSupervisor(sess), time.Second, time.Second, testLogger(), nil)

	w.poll(context.Background())

	select {
	case snap := <-w.Snapshots():
		t.Fatalf("a failed Ensure must never emit a snapshot, got %+v", snap)
	default:
	}
}

func TestPollReadStateFailureEmitsNothing(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{readErr: errBoom}
	w := New(testSupervisor(sess), time.Second, time.Second, testLogger(), nil)

	w.poll(context.Background())

	select {
	case snap := <-w.Snapshots():
		t.Fatalf("a failed ReadState must never emit a snapshot, got %+v", snap)
	default:
	}
}

func TestPollDropsUnreadSnapshotAndCallsOnSkip(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{positions: map[uint64]types.Position{1: {Ticket: 1}}}

	var skipped int
	w := New(testSupervisor(sess), time.Second, time.Second, testLogger(), func() { skipped++ })

	// First poll fills the single-slot channel; it is never drained here.
	w.poll(context.Background())
	// Second poll must drop the first (unread) snapshot, not queue behind it.
	w.poll(context.Background())

	if skipped != 1 {
		t.Errorf("onSkip called %d times, want exactly 1", skipped)
	}

	select {
	case snap := <-w.Snapshots():
		if snap.CapturedAt.IsZero() {
			t.Error("the surviving snapshot should still be valid")
		}
	default:
		t.Fatal("expected the second snapshot to still be readable after the drop")
	}

	select {
	case extra := <-w.Snapshots():
		t.Fatalf("channel should hold exactly one snapshot, got an extra: %+v", extra)
	default:
	}
}

func TestPollNeverSkipsWhenChannelIsDrainedInTime(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{positions: map[uint64]types.Position{1: {Ticket: 1}}}

	var skipped int
	w := New(testSupervisor(sess), time.Second, time.Second, testLogger(), func() { skipped++ })

	w.poll(context.Background())
	<-w.Snapshots()
	w.poll(context.Background())

	if skipped != 0 {
		t.Errorf("onSkip called %d times, want 0 when the engine keeps up", skipped)
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
