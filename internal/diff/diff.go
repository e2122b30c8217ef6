// Package diff compares consecutive MasterSnapshots into a deterministic,
// ordered sequence of Events: closes first, then modifies, then opens, each
// category sorted by ascending master ticket.
package diff

import (
	"sort"

	"copyengine/pkg/types"
)

// Diff returns the events that take prev to curr. An empty/zero prev (no
// Positions map) is treated as "no previous snapshot" and yields no events
// — the first observed snapshot is the baseline, per the engine's
// first-tick policy: pre-existing master positions are not replayed as
// Opened.
func Diff(prev, curr types.MasterSnapshot) []types.Event {
	if prev.Positions == nil {
		return nil
	}

	var closed, modified, opened []types.Event

	for ticket, p := range prev.Positions {
		if _, ok := curr.Positions[ticket]; !ok {
			closed = append(closed, types.Event{Kind: types.EventClosed, Ticket: ticket, Position: p})
		}
	}

	for ticket, c := range curr.Positions {
		p, ok := prev.Positions[ticket]
		if !ok {
			opened = append(opened, types.Event{Kind: types.EventOpened, Ticket: ticket, Position: c})
			continue
		}
		if p.Modified(c) {
			modified = append(modified, types.Event{Kind: types.EventModified, Ticket: ticket, Position: c})
		}
	}

	sortByTicket(closed)
	sortByTicket(modified)
	sortByTicket(opened)

	events := make([]types.Event, 0, len(closed)+len(modified)+len(opened))
	events = append(events, closed...)
	events = append(events, modified...)
	events = append(events, opened...)
	return events
}

func sortByTicket(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Ticket < events[j].Ticket
	})
}

// Baseline produces the zero-value "no previous snapshot" marker Diff
// recognizes, for use as the engine's shadow state before the first tick.
func Baseline() types.MasterSnapshot {
	return types.MasterSnapshot{}
}
