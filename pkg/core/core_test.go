package core

import (
	"context"
	"strings"
	"testing"
)

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("unexpected id %q", id)
	}
	ctx2, id2 := EnsureRequestID(ctx)
	if id2 != id || ctx2 != ctx {
		t.Errorf("existing id should be kept, got %q", id2)
	}
	if _, other := EnsureRequestID(context.Background()); other == id {
		t.Errorf("ids must be unique")
	}
}

func TestRequester(t *testing.T) {
	ctx := context.Background()
	if Requester(ctx, "user") != "user" {
		t.Error("expected default requester")
	}
	if Requester(WithRequester(ctx, "ws:1"), "user") != "ws:1" {
		t.Error("expected stored requester")
	}
}

func TestRouting(t *testing.T) {
	ctx := context.Background()
	if r := RoutingFrom(ctx); r != (Routing{}) {
		t.Fatalf("expected no hints, got %+v", r)
	}
	ctx = WithRequiredCapability(WithSensitive(ctx), "vision")
	want := Routing{Sensitive: true, Capability: "vision"}
	if r := RoutingFrom(ctx); r != want {
		t.Errorf("got %+v, want %+v", r, want)
	}
	ctx = WithRouting(ctx, Routing{RequiresPrivacy: true})
	if r := RoutingFrom(ctx); r.Sensitive || !r.RequiresPrivacy || r.Capability != "" {
		t.Errorf("WithRouting should replace the hints, got %+v", r)
	}
}

func TestNewEventCarriesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ev := NewEvent(ctx, EventAssistantCommand, map[string]any{"text": "hi"})
	if ev.RequestID != "req-1" || ev.Type != EventAssistantCommand || ev.Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &RecordingEmitter{}, &RecordingEmitter{}
	m := MultiEmitter{a, nil, b, NoopEventEmitter{}}
	m.Emit(context.Background(), Event{Type: EventAssistantState})
	m.Emit(context.Background(), Event{Type: EventError})

	for _, r := range []*RecordingEmitter{a, b} {
		got := r.Types()
		if len(got) != 2 || got[0] != EventAssistantState || got[1] != EventError {
			t.Errorf("unexpected events %v", got)
		}
	}
}
