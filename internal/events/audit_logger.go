package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxLogSize is the rotation threshold for the audit log (50MB).
const DefaultMaxLogSize = 50 * 1024 * 1024

// LogEntry is one line of the append-only lifecycle audit log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	TaskID    string                 `json:"task_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Owner     string                 `json:"owner,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends lifecycle events to a JSONL file, rotating when
// the file exceeds maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	rotations   int
}

// NewAuditLogger opens (or creates) the audit log at logPath.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record subscribes the logger to a bus event, extracting the common
// identifying fields from the event payload. Use it as a Subscriber:
//
//	bus.Subscribe(EventTaskCompleted, logger.Record)
func (l *AuditLogger) Record(ev Event) {
	entry := LogEntry{
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		Details:   ev.Data,
	}
	if taskID, ok := ev.Data["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if sessionID, ok := ev.Data["session_id"].(string); ok {
		entry.SessionID = sessionID
	}
	if owner, ok := ev.Data["owner"].(string); ok {
		entry.Owner = owner
	}
	_ = l.WriteEntry(&entry)
}

// WriteEntry appends one entry to the log, rotating first if needed.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// rotate renames the current file aside and starts a fresh one.
// Caller holds l.mu.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.rotations++
	rotated := fmt.Sprintf("%s.%d-%d", l.logPath, time.Now().Unix(), l.rotations)
	if err := os.Rename(l.logPath, rotated); err != nil {
		return err
	}
	return l.openLogFile()
}

// Close flushes and closes the underlying file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
