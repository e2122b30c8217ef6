// Package notify defines the Notifier sink the replicator reports
// per-account replication events to, plus three implementations:
// LogNotifier (structured logging, used by default and in tests),
// MemoryNotifier (an in-memory recorder for tests) and WSHub (a
// per-user-addressed WebSocket fan-out for a surrounding dashboard).
//
// The engine holds only the narrow Notifier interface, never a
// transport-specific type, per the injection-at-construction design note.
package notify

import (
	"log/slog"
	"sync"

	"copyengine/pkg/types"
)

// Notifier is a write-only sink for per-user replication events. Send must
// be safe for concurrent use and returns nothing: an implementation logs
// and swallows its own failures (a notifier outage must never block
// replication).
type Notifier interface {
	Send(msg types.NotifierMessage)
}

// LogNotifier emits every message through slog. It is the default sink and
// the one used in tests that don't assert on delivered messages.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs every message.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Send logs the message at Info level.
func (n *LogNotifier) Send(msg types.NotifierMessage) {
	n.logger.Info("notify",
		"type", msg.Type,
		"user_id", msg.UserID,
		"account_id", msg.AccountID,
		"payload", msg.Payload,
	)
}

// MemoryNotifier records every message it receives, for use in tests that
// need to assert on notifications without standing up a WebSocket hub.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []types.NotifierMessage
}

// NewMemoryNotifier creates a notifier that buffers every message.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Send appends msg to the in-memory log.
func (n *MemoryNotifier) Send(msg types.NotifierMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

// Messages returns a copy of everything received so far.
func (n *MemoryNotifier) Messages() []types.NotifierMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.NotifierMessage, len(n.messages))
	copy(out, n.messages)
	return out
}
