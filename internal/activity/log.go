// Package activity provides the bounded pulse log shown in the telemetry feed.
package activity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/kairos/internal/models"
)

// DefaultCapacity is the number of entries kept when no capacity is configured.
const DefaultCapacity = 50

// Log is a fixed-capacity ring of activity entries. Once full, each new
// entry overwrites the oldest one.
type Log struct {
	mu    sync.RWMutex
	buf   []models.ActivityEntry
	head  int // next write position
	count int
	seq   uint64
	now   func() time.Time
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf: make([]models.ActivityEntry, capacity),
		now: time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Record appends an entry and returns it. An empty severity is recorded as low.
// Record never fails; a blank message is stored as "(empty)".
func (l *Log) Record(source, message string, severity models.Severity) models.ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !severity.Valid() {
		severity = models.SeverityLow
	}
	if strings.TrimSpace(message) == "" {
		message = "(empty)"
	}
	if source == "" {
		source = models.SourceSystem
	}

	l.seq++
	entry := models.ActivityEntry{
		// seq keeps ids unique within the process; the uuid suffix keeps them
		// unique across restarts that share a persisted feed.
		ID:        fmt.Sprintf("%d-%s", l.seq, uuid.NewString()[:8]),
		Seq:       l.seq,
		Sport:     source,
		Message:   message,
		Severity:  severity,
		Timestamp: l.now().UnixMilli(),
	}

	l.buf[l.head] = entry
	l.head = (l.head + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	return entry
}

// Entries returns a copy of the retained entries, newest first.
func (l *Log) Entries() []models.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ActivityEntry, 0, l.count)
	for i := 1; i <= l.count; i++ {
		idx := (l.head - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Since returns entries with a sequence number greater than seq, oldest first.
func (l *Log) Since(seq uint64) []models.ActivityEntry {
	entries := l.Entries()
	var out []models.ActivityEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Seq > seq {
			out = append(out, entries[i])
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity returns the configured maximum.
func (l *Log) Capacity() int {
	return len(l.buf)
}

// Reset drops every entry. Sequence numbers keep increasing.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.head = 0
	l.count = 0
}
