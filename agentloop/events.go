package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of agent event.
type EventKind string

const (
	EventStatus          EventKind = "status"
	EventIteration       EventKind = "iteration"
	EventToolStart       EventKind = "tool_start"
	EventToolEnd         EventKind = "tool_end"
	EventUserInputNeeded EventKind = "user_input_needed"
	EventLoopDetected    EventKind = "loop_detected"
	EventError           EventKind = "error"
	EventInvocationEnd   EventKind = "invocation_end"
)

const defaultEventBufferSize = 256

// Event is a typed notification emitted while the agent works.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// String returns the "message" entry of the event data, if any.
func (e Event) String() string {
	if msg, ok := e.Data["message"].(string); ok {
		return msg
	}
	return string(e.Kind)
}

// EventEmitter delivers events to the host through a buffered channel.
// The agent never blocks on a slow consumer: when the buffer is full the
// event is dropped and counted.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	dropped   int
	mu        sync.Mutex
}

// NewEventEmitter creates an emitter with a buffer of bufferSize events.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = defaultEventBufferSize
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. Events emitted after Close are discarded.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		e.dropped++
	}
}

// Status emits a status message.
func (e *EventEmitter) Status(msg string) {
	e.Emit(EventStatus, map[string]any{"message": msg})
}

// Events returns the read-only event channel. It is closed by Close.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Dropped returns how many events were discarded on a full buffer.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
