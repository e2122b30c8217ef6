package copylog

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copyengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenCreatesParentDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "copy.jsonl")

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestAppendWritesOneJSONLinePerEntry(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "copy.jsonl")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	entries := []types.CopyLogEntry{
		{Timestamp: time.Now(), EventType: types.EventOpened, FollowerID: 1, MasterTicket: 101, Symbol: "EURUSD", Success: true},
		{Timestamp: time.Now(), EventType: types.EventClosed, FollowerID: 1, MasterTicket: 101, Symbol: "EURUSD", Success: true},
	}
	for _, e := range entries {
		s.Append(e)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var got types.CopyLogEntry
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Fatalf("line %d not valid JSON: %v", i, err)
		}
		if got.MasterTicket != entries[i].MasterTicket {
			t.Errorf("line %d master_ticket = %d, want %d", i, got.MasterTicket, entries[i].MasterTicket)
		}
	}
}

func TestAppendIsAppendOnlyAcrossReopens(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "copy.jsonl")

	s1, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s1.Append(types.CopyLogEntry{MasterTicket: 1, Success: true})
	s1.Close()

	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	s2.Append(types.CopyLogEntry{MasterTicket: 2, Success: true})
	s2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lineCount := 0
	for _, b := range data {
		if b == '\n' {
			lineCount++
		}
	}
	if lineCount != 2 {
		t.Errorf("want 2 lines surviving across reopen, got %d", lineCount)
	}
}

func TestNullStoreDiscardsSilently(t *testing.T) {
	t.Parallel()
	var s Sink = NullStore{}
	s.Append(types.CopyLogEntry{MasterTicket: 1})
	if err := s.Close(); err != nil {
		t.Errorf("NullStore.Close() = %v, want nil", err)
	}
}
