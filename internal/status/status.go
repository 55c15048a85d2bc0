// Package status holds the observable sync state: queue size, status string,
// remote URL, last error, and a bounded log of recent sync actions.
//
// A single [*Repository] is constructed at startup and passed to every
// component that publishes or observes sync state.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Log action tags.
const (
	ActionUpload   = "UPLOAD"
	ActionAck      = "ACK"
	ActionLoad     = "LOAD"
	ActionSkip     = "SKIP"
	ActionError    = "ERROR"
	ActionAuth     = "AUTH"
	ActionFullSync = "FULL SYNC"
)

// DefaultCapacity is the number of log entries kept when none is configured.
const DefaultCapacity = 100

// Entry is one line of the sync log.
type Entry struct {
	Time    time.Time
	Action  string
	Detail  string
	Payload string
}

// EventType identifies what changed in an [Event].
type EventType int

const (
	EventQueueSize EventType = iota
	EventStatus
	EventURL
	EventLastError
	EventLog
	EventLogCleared
)

// Event is delivered to subscribers on every state change. Only the field
// matching Type is meaningful.
type Event struct {
	Type      EventType
	QueueSize int
	Text      string
	Entry     Entry
}

// Snapshot is a point-in-time copy of the scalar state.
type Snapshot struct {
	QueueSize int
	Status    string
	URL       string
	LastError string
}

// Repository is safe for concurrent use. All writes are serialized so every
// subscriber observes the same ordering.
type Repository struct {
	mu       sync.Mutex
	logger   *slog.Logger
	now      func() time.Time
	capacity int

	snap Snapshot

	// ring holds the log oldest to newest; head is the next write slot.
	ring  []Entry
	head  int
	count int

	subs   map[int]chan Event
	nextID int
}

// New creates a Repository keeping up to capacity log entries.
func New(capacity int, logger *slog.Logger) *Repository {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Repository{
		logger:   logger,
		now:      time.Now,
		capacity: capacity,
		ring:     make([]Entry, capacity),
		subs:     make(map[int]chan Event),
	}
}

// Log appends an entry, evicting the oldest one when the log is full, and
// mirrors it to the structured logger.
func (r *Repository) Log(action, detail, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entry{Time: r.now(), Action: action, Detail: detail, Payload: payload}
	r.ring[r.head] = e
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}

	level := slog.LevelInfo
	if action == ActionError || action == ActionAuth {
		level = slog.LevelWarn
	}
	attrs := []any{"action", action, "detail", detail}
	if payload != "" {
		attrs = append(attrs, "payload", payload)
	}
	r.logger.Log(context.Background(), level, "sync log", attrs...)

	r.broadcast(Event{Type: EventLog, Entry: e})
}

// ClearLog drops every log entry.
func (r *Repository) ClearLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = make([]Entry, r.capacity)
	r.head, r.count = 0, 0
	r.broadcast(Event{Type: EventLogCleared})
}

// Entries returns a copy of the log, newest first.
func (r *Repository) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	for i := 1; i <= r.count; i++ {
		out = append(out, r.ring[(r.head-i+r.capacity)%r.capacity])
	}
	return out
}

// Snapshot returns the current scalar state.
func (r *Repository) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// SetQueueSize publishes the number of records awaiting upload.
func (r *Repository) SetQueueSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.QueueSize = n
	r.broadcast(Event{Type: EventQueueSize, QueueSize: n})
}

// SetStatus publishes the human-readable sync phase.
func (r *Repository) SetStatus(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Status = s
	r.broadcast(Event{Type: EventStatus, Text: s})
}

// SetURL publishes the remote address.
func (r *Repository) SetURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.URL = u
	r.broadcast(Event{Type: EventURL, Text: u})
}

// SetLastError publishes the last operation error. Empty clears it.
func (r *Repository) SetLastError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.LastError = msg
	r.broadcast(Event{Type: EventLastError, Text: msg})
}

// Subscribe returns a channel receiving every subsequent change, preceded by
// the current scalar values. Events are dropped for a subscriber whose buffer
// is full; it can resynchronize from Snapshot. The cancel func closes the
// channel and must be called once the subscriber is done.
func (r *Repository) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 4 {
		buffer = 4
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	ch <- Event{Type: EventQueueSize, QueueSize: r.snap.QueueSize}
	ch <- Event{Type: EventStatus, Text: r.snap.Status}
	ch <- Event{Type: EventURL, Text: r.snap.URL}
	ch <- Event{Type: EventLastError, Text: r.snap.LastError}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// broadcast must be called with mu held.
func (r *Repository) broadcast(ev Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
