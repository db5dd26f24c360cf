package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

const (
	// Channel is the pub/sub topic carrying activity events between
	// processes.
	Channel = "ticket_activity"
	// MaxEvents bounds the in-memory ring.
	MaxEvents = 200
)

// Event types emitted across the pipeline.
const (
	EventTicketAccepted         = "ticket_accepted"
	EventTicketProcessed        = "ticket_processed"
	EventTicketPopped           = "ticket_popped"
	EventQueueCleared           = "queue_cleared"
	EventTicketAssigned         = "ticket_assigned_to_agent"
	EventMasterIncidentCreated  = "master_incident_created"
	EventTicketLinkedToIncident = "ticket_linked_to_master_incident"
)

// Log is a process-local bounded ring of recent events. Live watchers get
// a best-effort feed; slow watchers drop events rather than block Emit.
type Log struct {
	mu       sync.Mutex
	events   []models.ActivityEvent
	max      int
	watchers map[string]chan models.ActivityEvent
	now      func() time.Time
}

// NewLog creates an empty ring holding up to MaxEvents entries.
func NewLog() *Log {
	return &Log{
		max:      MaxEvents,
		watchers: make(map[string]chan models.ActivityEvent),
		now:      time.Now,
	}
}

// Emit appends an event, trimming the oldest entries on overflow, and fans
// it out to watchers without blocking.
func (l *Log) Emit(eventType string, data map[string]any) {
	ev := models.ActivityEvent{
		TS:   float64(l.now().UnixNano()) / float64(time.Second),
		Type: eventType,
		Data: data,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	for _, ch := range l.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Recent returns the newest limit events in chronological order, oldest
// first.
func (l *Log) Recent(limit int) []models.ActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		return nil
	}
	if limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]models.ActivityEvent, limit)
	copy(out, l.events[len(l.events)-limit:])
	return out
}

// Len reports the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Watch registers a live feed of future events. The returned id releases
// the feed via Unwatch.
func (l *Log) Watch() (string, <-chan models.ActivityEvent) {
	id := uuid.NewString()
	ch := make(chan models.ActivityEvent, 16)
	l.mu.Lock()
	l.watchers[id] = ch
	l.mu.Unlock()
	return id, ch
}

// Unwatch removes a watcher and closes its channel.
func (l *Log) Unwatch(id string) {
	l.mu.Lock()
	ch, ok := l.watchers[id]
	if ok {
		delete(l.watchers, id)
	}
	l.mu.Unlock()
	if ok {
		close(ch)
	}
}
