// Package events fans out live attendance events to the listeners of a class.
package events

import (
	"sync"
	"time"
)

// Type names an attendance event. The names are the SSE event names.
type Type string

const (
	SessionStarted   Type = "attendance_session_started"
	SessionEnded     Type = "attendance_session_ended"
	StudentCheckedIn Type = "student_checked_in"
	AttendanceMarked Type = "attendance_marked"
)

// listenerBuffer is the per-listener channel capacity. Slow listeners miss
// events instead of blocking publishers.
const listenerBuffer = 64

// Event is one change in a class's attendance.
type Event struct {
	Type      Type      `json:"type"`
	ClassID   string    `json:"class_id"`
	StudentID string    `json:"student_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Hub keeps the listeners of each class.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string][]chan Event
	now       func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string][]chan Event),
		now:       time.Now,
	}
}

// Subscribe adds a listener for a class.
func (h *Hub) Subscribe(classID string) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, listenerBuffer)
	h.listeners[classID] = append(h.listeners[classID], ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(classID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.listeners[classID]
	for i, listener := range list {
		if listener == ch {
			list = append(list[:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	if len(list) == 0 {
		delete(h.listeners, classID)
	} else {
		h.listeners[classID] = list
	}
}

// Publish sends e to every listener of e.ClassID.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, listener := range h.listeners[e.ClassID] {
		select {
		case listener <- e:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Listeners returns the number of listeners of a class.
func (h *Hub) Listeners(classID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[classID])
}

// Close ends every listener. Streams reading a closed channel return.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for classID, list := range h.listeners {
		for _, ch := range list {
			close(ch)
		}
		delete(h.listeners, classID)
	}
}
