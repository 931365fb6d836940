// Package activity keeps the bounded, append-only history of device state
// transitions shown to the user.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// DefaultCapacity is the number of entries retained when none is configured
const DefaultCapacity = 50

// Listener is notified after every append. It runs on the appending
// goroutine and must not call back into the Log.
type Listener func(entry models.LogEntry)

// Log is a fixed-capacity ring of entries. The oldest entry is dropped
// silently once the ring is full. Entries are never modified after append.
type Log struct {
	mu       sync.RWMutex
	ring     []models.LogEntry
	start    int
	size     int
	seq      uint64
	account  string
	nextID   uint64
	watchers map[uint64]Listener

	nowFunc func() time.Time
}

// NewLog creates a log retaining at most capacity entries
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring:     make([]models.LogEntry, capacity),
		watchers: make(map[uint64]Listener),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (l *Log) SetNowFunc(fn func() time.Time) { l.nowFunc = fn }

// SetAccount sets the local account used to derive IsSelfOriginated
func (l *Log) SetAccount(account string) {
	l.mu.Lock()
	l.account = account
	l.mu.Unlock()
}

// Capacity returns the retention bound
func (l *Log) Capacity() int {
	return len(l.ring)
}

// Append stores entry and returns it with ID, Seq, Timestamp and
// IsSelfOriginated filled in.
func (l *Log) Append(entry models.LogEntry) models.LogEntry {
	l.mu.Lock()
	l.seq++
	entry.Seq = l.seq
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.nowFunc()
	}
	if entry.Severity == "" {
		entry.Severity = models.SeverityInfo
	}
	entry.IsSelfOriginated = models.SameAccount(entry.OriginAddress, l.account)

	idx := (l.start + l.size) % len(l.ring)
	if l.size == len(l.ring) {
		// full: overwrite the oldest slot
		l.start = (l.start + 1) % len(l.ring)
	} else {
		l.size++
	}
	l.ring[idx] = entry

	watchers := make([]Listener, 0, len(l.watchers))
	for _, w := range l.watchers {
		watchers = append(watchers, w)
	}
	l.mu.Unlock()

	for _, w := range watchers {
		w(entry)
	}
	return entry
}

// Entries returns the retained entries newest first
func (l *Log) Entries() []models.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.LogEntry, 0, l.size)
	for i := l.size - 1; i >= 0; i-- {
		out = append(out, l.ring[(l.start+i)%len(l.ring)])
	}
	return out
}

// Recent returns at most n entries newest first
func (l *Log) Recent(n int) []models.LogEntry {
	entries := l.Entries()
	if n >= 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Subscribe registers fn for append notifications and returns a function
// removing it.
func (l *Log) Subscribe(fn Listener) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.watchers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
}

// Info appends an info entry with message
func (l *Log) Info(message string) models.LogEntry {
	return l.Append(models.LogEntry{Message: message, Severity: models.SeverityInfo})
}
