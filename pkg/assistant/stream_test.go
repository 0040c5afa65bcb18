package assistant

import (
	"context"
	"strings"
	"testing"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/brain/braintest"
	"github.com/jllopis/avva/pkg/core"
)

func streamingFake(id string, parts ...string) *braintest.Fake {
	f := braintest.New(id, strings.Join(parts, ""))
	f.Caps = brain.Caps(brain.CapChat, brain.CapStreaming)
	f.Stream = parts
	return f
}

func TestProcessStreamInterpretsAccumulatedText(t *testing.T) {
	provider := streamingFake("cloud",
		`{"intent":"get_time",`, `"arguments":{},`, `"confidence":0.95}`)
	f := newFixture(t, provider, false, ReasoningPermission)

	var got []string
	reply := f.assistant.ProcessStream(context.Background(), "do you know the hour",
		func(s string) { got = append(got, s) }, &Interrupt{})

	if len(got) != 3 {
		t.Fatalf("expected every chunk forwarded, got %q", got)
	}
	if reply.Text != "It is 12:00." || reply.Call != "get_time()" || reply.Interrupted {
		t.Fatalf("unexpected reply %+v", reply)
	}

	var chunks, done int
	for _, ev := range f.events.Events() {
		if ev.Type != core.EventAssistantStream {
			continue
		}
		if ev.Payload["done"] == true {
			done++
		} else {
			chunks++
		}
	}
	if chunks != 3 || done != 1 {
		t.Errorf("unexpected stream events: %d chunks, %d done", chunks, done)
	}
}

func TestProcessStreamNaturalText(t *testing.T) {
	provider := streamingFake("local", "Hello ", "there, ", "friend.")
	f := newFixture(t, provider, false, ReasoningPermission)

	var b strings.Builder
	reply := f.assistant.ProcessStream(context.Background(), "say hello", func(s string) { b.WriteString(s) }, nil)
	if b.String() != "Hello there, friend." || reply.Text != "Hello there, friend." {
		t.Fatalf("sink %q, reply %+v", b.String(), reply)
	}
}

func TestProcessStreamInterrupt(t *testing.T) {
	provider := streamingFake("cloud", "one ", "two ", "three ", "four")
	f := newFixture(t, provider, false, ReasoningPermission)

	intr := &Interrupt{}
	var got []string
	reply := f.assistant.ProcessStream(context.Background(), "count for me", func(s string) {
		got = append(got, s)
		intr.Raise()
	}, intr)

	if len(got) != 1 {
		t.Fatalf("no chunk may be emitted after the interrupt, got %q", got)
	}
	if !reply.Interrupted || reply.Text != "one " {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if hist, _ := f.store.History(context.Background(), 10); len(hist) != 1 {
		t.Errorf("an interrupted answer is not logged, history=%+v", hist)
	}
}

func TestProcessStreamRaisedBeforeStart(t *testing.T) {
	provider := streamingFake("cloud", "never")
	f := newFixture(t, provider, false, ReasoningPermission)

	intr := &Interrupt{}
	intr.Raise()
	called := false
	reply := f.assistant.ProcessStream(context.Background(), "anything at all", func(string) { called = true }, intr)
	if !reply.Interrupted || called || provider.Executions() != 0 {
		t.Fatalf("expected an immediate return, reply=%+v called=%v execs=%d", reply, called, provider.Executions())
	}

	intr.Reset()
	if intr.Raised() {
		t.Error("Reset should clear the flag")
	}
	var nilIntr *Interrupt
	nilIntr.Raise()
	if nilIntr.Raised() {
		t.Error("a nil interrupt is never raised")
	}
}

func TestProcessStreamLocalIntentSkipsProvider(t *testing.T) {
	provider := streamingFake("cloud", "unused")
	f := newFixture(t, provider, false, ReasoningPermission)
	called := false
	reply := f.assistant.ProcessStream(context.Background(), "what time is it", func(string) { called = true }, nil)
	if reply.Text != "It is 12:00." || called || provider.Executions() != 0 {
		t.Fatalf("local tiers must run before any provider: %+v", reply)
	}
}
