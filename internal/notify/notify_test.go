package notify

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"copyengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLogNotifierSendDoesNotPanic(t *testing.T) {
	t.Parallel()
	n := NewLogNotifier(testLogger())
	n.Send(types.NotifierMessage{Type: types.MsgTradeOpened, AccountID: 1})
}

func TestMemoryNotifierRecordsInOrder(t *testing.T) {
	t.Parallel()
	n := NewMemoryNotifier()

	n.Send(types.NotifierMessage{Type: types.MsgTradeOpened, AccountID: 1})
	n.Send(types.NotifierMessage{Type: types.MsgTradeClosed, AccountID: 1})

	msgs := n.Messages()
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != types.MsgTradeOpened || msgs[1].Type != types.MsgTradeClosed {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestMemoryNotifierMessagesReturnsACopy(t *testing.T) {
	t.Parallel()
	n := NewMemoryNotifier()
	n.Send(types.NotifierMessage{Type: types.MsgTradeOpened, AccountID: 1})

	msgs := n.Messages()
	msgs[0].AccountID = 999

	again := n.Messages()
	if again[0].AccountID != 1 {
		t.Error("mutating a returned slice must not affect the notifier's internal buffer")
	}
}

func TestMemoryNotifierConcurrentSendIsSafe(t *testing.T) {
	t.Parallel()
	n := NewMemoryNotifier()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			n.Send(types.NotifierMessage{Type: types.MsgTradeOpened, AccountID: id})
		}(uint64(i))
	}
	wg.Wait()

	if len(n.Messages()) != 50 {
		t.Errorf("want 50 messages after concurrent sends, got %d", len(n.Messages()))
	}
}

func TestFormatUserID(t *testing.T) {
	t.Parallel()
	if got := formatUserID(42); got != "42" {
		t.Errorf("formatUserID(42) = %q, want \"42\"", got)
	}
}
