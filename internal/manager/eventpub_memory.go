package manager

import (
	"sync"
	"time"
)

// RecordedEvent is an Event stamped with the time it was published.
type RecordedEvent struct {
	Event
	Time time.Time
}

// EventLog is an EventPublisher keeping the most recent events in memory.
// A limit <= 0 keeps everything, which is what tests want.
type EventLog struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	events  []RecordedEvent
	dropped uint64
}

func NewEventLog(limit int, now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{limit: limit, now: now}
}

func (l *EventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, RecordedEvent{Event: e, Time: l.now()})
	if l.limit > 0 && len(l.events) > l.limit {
		n := len(l.events) - l.limit
		l.dropped += uint64(n)
		l.events = append(l.events[:0], l.events[n:]...)
	}
}

// Events returns every retained event, oldest first.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	for i, r := range l.events {
		out[i] = r.Event
	}
	return out
}

// Recent returns up to n of the newest events, oldest first. n <= 0 means all.
func (l *EventLog) Recent(n int) []RecordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if n > 0 && n < len(l.events) {
		start = len(l.events) - n
	}
	return append([]RecordedEvent(nil), l.events[start:]...)
}

// Dropped counts events pushed out by the limit.
func (l *EventLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Names returns the event names for one module, in publish order.
func (l *EventLog) Names(module string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, r := range l.events {
		if r.Module == module {
			out = append(out, r.Name)
		}
	}
	return out
}
