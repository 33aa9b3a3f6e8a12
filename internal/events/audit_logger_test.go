package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("parse line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAuditLogger_WriteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer l.Close()

	entry := &LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: string(EventTaskCompleted),
		TaskID:    "t1",
		SessionID: "s1",
		Details:   map[string]interface{}{"outcome": "success"},
	}
	if err := l.WriteEntry(entry); err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].TaskID != "t1" || entries[0].EventType != "task_completed" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestAuditLogger_RecordExtractsFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer l.Close()

	l.Record(Event{
		Type:      EventTaskLocked,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"task_id":    "t1",
			"session_id": "s1",
			"owner":      "poller-x",
		},
	})

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.TaskID != "t1" || e.SessionID != "s1" || e.Owner != "poller-x" {
		t.Errorf("entry = %+v", e)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := NewAuditLogger(path, 200) // tiny threshold to force rotation
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 10; i++ {
		err := l.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: string(EventTaskCompleted),
			TaskID:    "task-with-a-reasonably-long-id",
		})
		if err != nil {
			t.Fatalf("WriteEntry failed: %v", err)
		}
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) < 2 {
		t.Errorf("expected rotated files alongside the active log, found %d files", len(files))
	}

	// The active log stays under the threshold after rotation.
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active log: %v", err)
	}
	if stat.Size() > 200 {
		t.Errorf("active log size %d exceeds threshold", stat.Size())
	}
}

func TestAuditLogger_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l1, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	l1.WriteEntry(&LogEntry{EventType: "first"})
	l1.Close()

	l2, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	l2.WriteEntry(&LogEntry{EventType: "second"})
	l2.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 appended across reopen", len(entries))
	}
}
