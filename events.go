package ticketflow

import (
	"sync"
	"time"

	"ticketflow/board"
)

// EventType identifies what happened.
type EventType string

const (
	EventTicketStatus EventType = "ticket_status"
	EventJobProgress  EventType = "job_progress"
	EventJobLogLine   EventType = "job_log_line"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// Event is a pipeline notification delivered to subscribers.
type Event struct {
	Type     EventType
	TicketID string
	JobID    string
	Status   board.Status // set for EventTicketStatus
	Progress int          // 0-100, set for EventJobProgress
	Line     string       // set for EventJobLogLine
	Error    string       // set for EventJobFailed
	Time     time.Time
}

// Bus fans events out to subscribers. Delivery is synchronous and in
// subscription order; handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers []func(Event)

	// last observed progress per job, so progress never moves backwards
	progress map[string]int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{progress: make(map[string]int)}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// PublishProgress emits a job progress event, clamped so that reported
// progress for a job is monotonically non-decreasing.
func (b *Bus) PublishProgress(ticketID, jobID string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	b.mu.Lock()
	if prev, ok := b.progress[jobID]; ok && pct < prev {
		pct = prev
	}
	b.progress[jobID] = pct
	b.mu.Unlock()

	b.Publish(Event{Type: EventJobProgress, TicketID: ticketID, JobID: jobID, Progress: pct})
}

// ForgetJob drops tracked progress state for a finished job.
func (b *Bus) ForgetJob(jobID string) {
	b.mu.Lock()
	delete(b.progress, jobID)
	b.mu.Unlock()
}
