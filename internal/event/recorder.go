package event

import "sync"

// DefaultCapacity is how many events a Recorder keeps.
const DefaultCapacity = 200

// Recorder keeps the most recent events in a ring buffer.
type Recorder struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

// NewRecorder creates a Recorder holding up to capacity events.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]Event, capacity)}
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus *Bus) {
	bus.Subscribe("*", r.Record)
}

// Record stores an event, evicting the oldest when full.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Recent returns up to limit events, newest first. A limit of zero or less
// returns everything held.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
