package diff

import (
	"testing"
	"time"

	"copyengine/pkg/types"
)

func pos(ticket uint64, sl, tp float64) types.Position {
	return types.Position{Ticket: ticket, Symbol: "EURUSD", Side: types.BUY, Volume: 1.0, SL: sl, TP: tp}
}

func snap(positions ...types.Position) types.MasterSnapshot {
	m := make(map[uint64]types.Position, len(positions))
	for _, p := range positions {
		m[p.Ticket] = p
	}
	return types.NewMasterSnapshot(m, time.Now())
}

func TestDiffFirstTickBaselineEmitsNothing(t *testing.T) {
	t.Parallel()

	// Baseline() is the zero-value "no previous snapshot" marker; even
	// though curr holds positions, none should be replayed as Opened.
	events := Diff(Baseline(), snap(pos(101, 0, 0), pos(102, 0, 0)))
	if len(events) != 0 {
		t.Errorf("first tick should emit no events, got %d: %+v", len(events), events)
	}
}

func TestDiffSimpleOpen(t *testing.T) {
	t.Parallel()

	prev := snap()
	curr := snap(pos(101, 0, 0))

	events := Diff(prev, curr)
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if events[0].Kind != types.EventOpened || events[0].Ticket != 101 {
		t.Errorf("got %+v", events[0])
	}
}

func TestDiffCloseAfterOpen(t *testing.T) {
	t.Parallel()

	prev := snap(pos(101, 0, 0))
	curr := snap()

	events := Diff(prev, curr)
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if events[0].Kind != types.EventClosed || events[0].Ticket != 101 {
		t.Errorf("got %+v", events[0])
	}
	if events[0].Position.Ticket != 101 {
		t.Errorf("closed event should carry last known position, got %+v", events[0].Position)
	}
}

func TestDiffSLModifyOnly(t *testing.T) {
	t.Parallel()

	prev := snap(pos(303, 0, 1.20))
	curr := snap(pos(303, 1.10, 1.20))

	events := Diff(prev, curr)
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if events[0].Kind != types.EventModified {
		t.Errorf("want Modified, got %+v", events[0])
	}
	if events[0].Position.SL != 1.10 || events[0].Position.TP != 1.20 {
		t.Errorf("modify event should carry new sl/tp, got %+v", events[0].Position)
	}
}

func TestDiffUnchangedPositionEmitsNothing(t *testing.T) {
	t.Parallel()

	p := pos(404, 1.0, 1.2)
	events := Diff(snap(p), snap(p))
	if len(events) != 0 {
		t.Errorf("unchanged position should not emit an event, got %+v", events)
	}
}

func TestDiffOrderingClosesModifiesThenOpens(t *testing.T) {
	t.Parallel()

	prev := snap(pos(10, 0, 0), pos(20, 0, 1.0))
	curr := snap(pos(20, 0, 1.5), pos(30, 0, 0))

	events := Diff(prev, curr)
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != types.EventClosed || events[0].Ticket != 10 {
		t.Errorf("event 0 should be close of 10, got %+v", events[0])
	}
	if events[1].Kind != types.EventModified || events[1].Ticket != 20 {
		t.Errorf("event 1 should be modify of 20, got %+v", events[1])
	}
	if events[2].Kind != types.EventOpened || events[2].Ticket != 30 {
		t.Errorf("event 2 should be open of 30, got %+v", events[2])
	}
}

func TestDiffOrderingAscendingTicketWithinCategory(t *testing.T) {
	t.Parallel()

	prev := snap()
	curr := snap(pos(50, 0, 0), pos(10, 0, 0), pos(30, 0, 0))

	events := Diff(prev, curr)
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	want := []uint64{10, 30, 50}
	for i, w := range want {
		if events[i].Ticket != w {
			t.Errorf("event %d ticket = %d, want %d", i, events[i].Ticket, w)
		}
	}
}

func TestDiffMassCloseNotInferredFromFailedRead(t *testing.T) {
	t.Parallel()

	// A failed master read must never be diffed as "everything closed" —
	// MasterWatcher publishes no snapshot for a failed read, so the engine
	// never calls Diff for it and keeps the previous shadow snapshot, which
	// is exactly prev here: diffing prev against itself must be a no-op.
	prev := snap(pos(505, 0, 0))
	events := Diff(prev, prev)
	if len(events) != 0 {
		t.Errorf("diffing a retained shadow against itself should emit nothing, got %+v", events)
	}
}
