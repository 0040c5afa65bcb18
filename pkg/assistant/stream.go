// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/core"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/orchestrator"
)

// Interrupt is a flag shared between a streaming call and whoever may want
// to stop it. The zero value is ready to use and a nil *Interrupt is never
// raised.
type Interrupt struct {
	raised atomic.Bool
}

// Raise stops the stream at the next chunk boundary.
func (i *Interrupt) Raise() {
	if i != nil {
		i.raised.Store(true)
	}
}

// Raised reports whether Raise was called since the last Reset.
func (i *Interrupt) Raised() bool {
	return i != nil && i.raised.Load()
}

// Reset clears the flag so the Interrupt can be reused.
func (i *Interrupt) Reset() {
	if i != nil {
		i.raised.Store(false)
	}
}

type streamState struct {
	sink      func(string)
	interrupt *Interrupt
}

func (s *streamState) stopped(ctx context.Context) bool {
	return s.interrupt.Raised() || ctx.Err() != nil
}

// stream runs the request through the orchestrator's streaming path. It
// returns the final response, the text forwarded so far and whether the
// stream was interrupted.
func (a *Assistant) stream(ctx context.Context, req brain.Request, rc orchestrator.RequestContext, st *streamState) (brain.Response, string, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if st.stopped(ctx) {
		return brain.Response{}, "", true
	}
	ch, err := a.orch.ExecuteStream(ctx, req, rc)
	if err != nil {
		if st.stopped(ctx) {
			return brain.Response{}, "", true
		}
		resp := brain.Failure("", errors.CodeAllProvidersFailed, err)
		resp.NaturalResponse = orchestrator.AllFailedMessage
		return resp, "", false
	}

	var text strings.Builder
	var final *brain.Response
	for c := range ch {
		if st.stopped(ctx) {
			cancel()
			drain(ch)
			a.emit(ctx, core.EventAssistantStream, map[string]any{"done": true, "interrupted": true})
			return brain.Response{}, text.String(), true
		}
		if c.Done {
			final = c.Response
			continue
		}
		if c.Text == "" {
			continue
		}
		if text.Len() == 0 {
			a.emit(ctx, core.EventAssistantState, map[string]any{"state": StateSpeaking})
		}
		text.WriteString(c.Text)
		st.sink(c.Text)
		a.emit(ctx, core.EventAssistantStream, map[string]any{"chunk": c.Text, "done": false})
	}
	if st.stopped(ctx) {
		return brain.Response{}, text.String(), true
	}
	a.emit(ctx, core.EventAssistantStream, map[string]any{"done": true})

	if final != nil {
		return *final, text.String(), false
	}
	// No final chunk: interpret what was received.
	resp := brain.Response{Success: true, Content: text.String()}
	if payload, err := brain.ParsePayload(resp.Content); err == nil {
		payload.Apply(&resp)
	} else {
		resp.NaturalResponse = resp.Content
	}
	return resp, text.String(), false
}

func drain(ch <-chan brain.Chunk) {
	for range ch {
	}
}
