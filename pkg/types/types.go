// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy engine — positions,
// followers, snapshots, diff events, and notification payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a position: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ————————————————————————————————————————————————————————————————————————
// Positions and snapshots
// ————————————————————————————————————————————————————————————————————————

// Position is an immutable, per-snapshot record of one open trade, observed
// on either the master or a follower account. Two positions are equal iff
// every field agrees; modified iff the ticket matches but SL or TP differs.
type Position struct {
	Ticket    uint64    `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Volume    float64   `json:"volume"` // lots
	PriceOpen float64   `json:"price_open"`
	SL        float64   `json:"sl"` // 0 = unset
	TP        float64   `json:"tp"` // 0 = unset
	Magic     uint64    `json:"magic"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Equal reports whether two positions agree on every field.
func (p Position) Equal(o Position) bool {
	return p.Ticket == o.Ticket &&
		p.Symbol == o.Symbol &&
		p.Side == o.Side &&
		p.Volume == o.Volume &&
		p.PriceOpen == o.PriceOpen &&
		p.SL == o.SL &&
		p.TP == o.TP &&
		p.Magic == o.Magic &&
		p.OpenedAt.Equal(o.OpenedAt)
}

// Modified reports whether o is the same ticket as p with a changed SL or TP.
func (p Position) Modified(o Position) bool {
	return p.Ticket == o.Ticket && (p.SL != o.SL || p.TP != o.TP)
}

// MasterSnapshot is a mapping of ticket to Position captured at a single
// instant. Ticket uniqueness within a snapshot is an invariant of the
// MasterWatcher that produces it.
type MasterSnapshot struct {
	Positions  map[uint64]Position
	CapturedAt time.Time
}

// NewMasterSnapshot wraps a ticket->Position map with a capture timestamp.
func NewMasterSnapshot(positions map[uint64]Position, at time.Time) MasterSnapshot {
	return MasterSnapshot{Positions: positions, CapturedAt: at}
}

// ————————————————————————————————————————————————————————————————————————
// Followers
// ————————————————————————————————————————————————————————————————————————

// Follower is a subscribed account that mirrors the master's trading
// activity. Password is decrypted only in memory and must never be logged.
type Follower struct {
	ID            uint64  `json:"id"`
	UserID        uint64  `json:"user_id"`
	Login         string  `json:"login"`
	Server        string  `json:"server"`
	Password      string  `json:"-"`
	LotMultiplier float64 `json:"lot_multiplier"` // 0/unset treated as 1.0
	MaxLot        float64 `json:"max_lot"`        // 0 = uncapped
	CopyEnabled   bool    `json:"copy_enabled"`
}

// EffectiveLotMultiplier applies the "0 or unset means 1.0" policy from the
// replication sizing rules.
func (f Follower) EffectiveLotMultiplier() float64 {
	if f.LotMultiplier <= 0 {
		return 1.0
	}
	return f.LotMultiplier
}

// ————————————————————————————————————————————————————————————————————————
// Diff events
// ————————————————————————————————————————————————————————————————————————

// EventKind tags the variant of an Event.
type EventKind string

const (
	EventOpened   EventKind = "opened"
	EventClosed   EventKind = "closed"
	EventModified EventKind = "modified"
)

// Event is the tagged union emitted by the DiffEngine for a single master
// ticket. For EventClosed, Position holds the last known state before close.
type Event struct {
	Kind     EventKind
	Ticket   uint64
	Position Position
}

// ————————————————————————————————————————————————————————————————————————
// Replication bookkeeping
// ————————————————————————————————————————————————————————————————————————

// CopyLogEntry is one persisted outcome of a replication attempt.
type CopyLogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    EventKind `json:"event_type"`
	FollowerID   uint64    `json:"follower_id"`
	MasterTicket uint64    `json:"master_ticket"`
	SlaveTicket  uint64    `json:"slave_ticket,omitempty"`
	Symbol       string    `json:"symbol"`
	Volume       float64   `json:"volume"`
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	LatencyMS    int64     `json:"latency_ms"`
}

// HealthStatus is the engine's external health surface.
type HealthStatus struct {
	Running         bool      `json:"running"`
	ActiveFollowers int       `json:"active_followers"`
	LastTickAt      time.Time `json:"last_tick_at"`
	TicksSkipped    uint64    `json:"ticks_skipped"`
}

// ————————————————————————————————————————————————————————————————————————
// Notifier messages
// ————————————————————————————————————————————————————————————————————————

// NotifierMessageType enumerates the shapes a Notifier can be asked to send.
type NotifierMessageType string

const (
	MsgTradeOpened      NotifierMessageType = "trade_opened"
	MsgTradeClosed      NotifierMessageType = "trade_closed"
	MsgTradeModified    NotifierMessageType = "trade_modified"
	MsgReplicationError NotifierMessageType = "replication_error"
	MsgAuthFailed       NotifierMessageType = "auth_failed"
)

// NotifierMessage is the envelope sent to a Notifier sink. UserID is the
// routing key — send_to_user(user_id, ...) — and is never serialized.
// AccountID identifies which of that user's (possibly several) follower
// accounts the message is about; a user with more than one copy-enabled
// follower gets one message per account, each distinguishable by AccountID.
type NotifierMessage struct {
	Type      NotifierMessageType `json:"type"`
	UserID    uint64              `json:"-"`
	AccountID uint64              `json:"account_id"`
	TS        time.Time           `json:"ts"`
	Payload   interface{}         `json:"payload"`
}

// TradeOpenedPayload is the body of a trade_opened message.
type TradeOpenedPayload struct {
	MasterTicket uint64  `json:"master_ticket"`
	SlaveTicket  uint64  `json:"slave_ticket"`
	Symbol       string  `json:"symbol"`
	Volume       float64 `json:"volume"`
	Side         Side    `json:"side"`
}

// TradeClosedPayload is the body of a trade_closed message.
type TradeClosedPayload struct {
	MasterTicket uint64 `json:"master_ticket"`
	SlaveTicket  uint64 `json:"slave_ticket"`
	Symbol       string `json:"symbol"`
}

// TradeModifiedPayload is the body of a trade_modified message.
type TradeModifiedPayload struct {
	MasterTicket uint64  `json:"master_ticket"`
	SlaveTicket  uint64  `json:"slave_ticket"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
}

// ReplicationErrorPayload is the body of a replication_error message.
type ReplicationErrorPayload struct {
	MasterTicket uint64 `json:"master_ticket,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
}

// AuthFailedPayload is the body of an auth_failed message.
type AuthFailedPayload struct {
	Login string `json:"login"`
}
