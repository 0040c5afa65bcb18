package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a semantic event emitted by the assistant.
type EventType string

const (
	EventAssistantState    EventType = "assistant.state"
	EventAssistantCommand  EventType = "assistant.command"
	EventAssistantResponse EventType = "assistant.response"
	EventAssistantStream   EventType = "assistant.stream"
	EventError             EventType = "core.error"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType      `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current time and the request id
// carried by ctx, if any.
func NewEvent(ctx context.Context, eventType EventType, payload map[string]any) Event {
	id, _ := RequestID(ctx)
	return Event{
		Type:      eventType,
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// RecordingEmitter keeps every event in memory.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements EventEmitter.
func (r *RecordingEmitter) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *RecordingEmitter) Types() []EventType {
	events := r.Events()
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
