// Package oplog keeps a bounded in-memory history of stream and watcher activity for the
// /logs endpoint.
package oplog

import (
	"fmt"
	"sync"
	"time"
)

// OpType represents the type of operation.
type OpType string

const (
	OpSubscribe   OpType = "subscribe"
	OpUnsubscribe OpType = "unsubscribe"
	OpBroadcast   OpType = "broadcast"
	OpEvict       OpType = "evict"
	OpWatch       OpType = "watch"
	OpPublish     OpType = "publish"
	OpError       OpType = "error"
)

// Level represents severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a single operation log record.
type Entry struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Level    Level     `json:"level"`
	Type     OpType    `json:"type"`
	Project  string    `json:"project,omitempty"`
	Message  string    `json:"message"`
	Duration int64     `json:"duration_ms,omitempty"`
	Count    int       `json:"count,omitempty"`
	Details  string    `json:"details,omitempty"`
}

// Log stores recent entries, oldest evicted first.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
	nextID  int64
}

// New creates a log holding at most max entries.
func New(max int) *Log {
	if max <= 0 {
		max = 500
	}
	return &Log{
		entries: make([]Entry, 0, max),
		max:     max,
		nextID:  1,
	}
}

func (l *Log) add(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = l.nextID
	e.Time = time.Now()
	l.nextID++

	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Infof records an info entry.
func (l *Log) Infof(op OpType, project, format string, args ...any) {
	l.add(Entry{Level: LevelInfo, Type: op, Project: project, Message: fmt.Sprintf(format, args...)})
}

// Warn records a warning with details (usually an error string).
func (l *Log) Warn(op OpType, project, message, details string) {
	l.add(Entry{Level: LevelWarn, Type: op, Project: project, Message: message, Details: details})
}

// Error records a failure.
func (l *Log) Error(op OpType, project, message, details string) {
	l.add(Entry{Level: LevelError, Type: op, Project: project, Message: message, Details: details})
}

// Broadcast records one fan-out with its outcome.
func (l *Log) Broadcast(project string, delivered, failed int, took time.Duration) {
	level := LevelInfo
	if failed > 0 {
		level = LevelWarn
	}
	l.add(Entry{
		Level:    level,
		Type:     OpBroadcast,
		Project:  project,
		Message:  fmt.Sprintf("delivered to %d channels, %d failed", delivered, failed),
		Duration: took.Milliseconds(),
		Count:    delivered,
	})
}

// Recent returns the most recent n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// Since returns entries with ID greater than afterID, newest first.
func (l *Log) Since(afterID int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID <= afterID {
			break
		}
		out = append(out, l.entries[i])
	}
	return out
}
