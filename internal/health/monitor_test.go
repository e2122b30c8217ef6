package health

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"copyengine/internal/replicator"
	"copyengine/internal/session"
	"copyengine/internal/terminal"
	"copyengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordSkipIncrementsCounter(t *testing.T) {
	t.Parallel()
	m := New(time.Second, testLogger())

	m.RecordSkip()
	m.RecordSkip()
	m.RecordSkip()

	status := m.Status(nil)
	if status.TicksSkipped != 3 {
		t.Errorf("TicksSkipped = %d, want 3", status.TicksSkipped)
	}
}

func TestRunEmitsDegradedAfterStaleness(t *testing.T) {
	t.Parallel()
	m := New(40*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.RecordTick(time.Now())

	select {
	case sig := <-m.Signals():
		if sig.Cleared {
			t.Errorf("first signal should be a degraded transition, got %+v", sig)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for degraded signal")
	}
}

func TestRecordTickClearsDegraded(t *testing.T) {
	t.Parallel()
	m := New(30*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.RecordTick(time.Now())

	var gotDegraded bool
	select {
	case sig := <-m.Signals():
		gotDegraded = !sig.Cleared
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for the initial degraded signal")
	}
	if !gotDegraded {
		t.Fatal("expected a degraded signal before recovery")
	}

	m.RecordTick(time.Now())

	select {
	case sig := <-m.Signals():
		if !sig.Cleared {
			t.Errorf("want a cleared signal after RecordTick, got %+v", sig)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for cleared signal")
	}
}

func TestStatusCountsOnlyCopyEnabledFollowers(t *testing.T) {
	t.Parallel()
	m := New(time.Second, testLogger())

	enabled := types.Follower{ID: 1, UserID: 10, CopyEnabled: true}
	disabled := types.Follower{ID: 2, UserID: 20, CopyEnabled: false}

	fsEnabled := replicator.NewFollowerState(enabled, session.New("a", nil, terminal.NewReconnectBucket(time.Second), terminal.NewLock(), testLogger(), nil))
	fsDisabled := replicator.NewFollowerState(disabled, session.New("b", nil, terminal.NewReconnectBucket(time.Second), terminal.NewLock(), testLogger(), nil))

	status := m.Status([]*replicator.FollowerState{fsEnabled, fsDisabled})
	if status.ActiveFollowers != 1 {
		t.Errorf("ActiveFollowers = %d, want 1", status.ActiveFollowers)
	}
}
