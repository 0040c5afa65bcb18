// Package braintest provides scripted providers for tests.
package braintest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/errors"
)

// Fake is a scripted brain.Provider. Zero values give an available,
// external-cloud chat provider that answers with Reply.
type Fake struct {
	FakeID   string
	FakeName string
	Privacy  brain.PrivacyLevel
	Caps     brain.CapabilitySet
	Status   brain.Status
	Reply    string
	Usage    *brain.Usage
	Err      error
	ErrKind  errors.ErrorCode

	// Stream, when set, is emitted chunk by chunk by ExecuteStream.
	Stream []string

	// OnExecute runs before the reply is returned.
	OnExecute func(ctx context.Context, req brain.Request)

	mu       sync.Mutex
	requests []brain.Request
	health   atomic.Int64
	execs    atomic.Int64
}

// New returns an available fake that replies with reply.
func New(id, reply string) *Fake {
	return &Fake{FakeID: id, Reply: reply}
}

func (f *Fake) ID() string { return f.FakeID }

func (f *Fake) Name() string {
	if f.FakeName != "" {
		return f.FakeName
	}
	return f.FakeID
}

func (f *Fake) Kind() string { return "fake" }

func (f *Fake) Capabilities() brain.CapabilitySet {
	if f.Caps == nil {
		return brain.Caps(brain.CapChat)
	}
	return f.Caps
}

func (f *Fake) PrivacyLevel() brain.PrivacyLevel {
	if f.Privacy == "" {
		return brain.PrivacyExternalCloud
	}
	return f.Privacy
}

// HealthCheck reports Status, defaulting to available.
func (f *Fake) HealthCheck(context.Context) brain.Health {
	f.health.Add(1)
	status := f.Status
	if status == "" {
		status = brain.StatusAvailable
	}
	return brain.Health{Status: status, Message: string(status)}
}

// Execute returns the scripted reply, parsed like a real chat provider.
func (f *Fake) Execute(ctx context.Context, req brain.Request) brain.Response {
	f.execs.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.OnExecute != nil {
		f.OnExecute(ctx, req)
	}
	if f.Err != nil {
		kind := f.ErrKind
		if kind == "" {
			kind = errors.CodeProviderUnreachable
		}
		return brain.Failure(f.FakeID, kind, f.Err)
	}
	resp := respond(f.FakeID, f.Reply)
	resp.Usage = f.Usage
	return resp
}

// ExecuteStream emits Stream (or Reply split on spaces) then a final chunk.
func (f *Fake) ExecuteStream(ctx context.Context, req brain.Request) (<-chan brain.Chunk, error) {
	resp := f.Execute(ctx, req)
	if !resp.Success {
		return nil, resp.Err
	}
	parts := f.Stream
	if parts == nil {
		parts = strings.SplitAfter(f.Reply, " ")
	}
	ch := make(chan brain.Chunk)
	go func() {
		defer close(ch)
		var text strings.Builder
		for _, p := range parts {
			text.WriteString(p)
			select {
			case ch <- brain.Chunk{Text: p}:
			case <-ctx.Done():
				return
			}
		}
		final := respond(f.FakeID, text.String())
		select {
		case ch <- brain.Chunk{Done: true, Response: &final}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// HealthChecks returns how many health checks ran.
func (f *Fake) HealthChecks() int { return int(f.health.Load()) }

// Executions returns how many times Execute ran.
func (f *Fake) Executions() int { return int(f.execs.Load()) }

// Requests returns the requests received so far.
func (f *Fake) Requests() []brain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]brain.Request(nil), f.requests...)
}

func respond(id, content string) brain.Response {
	resp := brain.Response{Success: true, Content: content, Provider: id}
	p, err := brain.ParsePayload(content)
	if err != nil {
		resp.NaturalResponse = content
		return resp
	}
	p.Apply(&resp)
	return resp
}

var _ brain.StreamingProvider = (*Fake)(nil)
