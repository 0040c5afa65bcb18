// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/contextfilter"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/telemetry"
)

// AllFailedMessage is the user-visible text when the chain is exhausted.
const AllFailedMessage = "All AI providers failed"

var tracer = otel.Tracer("github.com/jllopis/avva/pkg/orchestrator")

// Execute selects a provider for rc and runs req on it. A failure moves to
// the fallback provider and then to the baseline; each provider is tried at
// most once. req.Context defaults to rc.Map() and is filtered per provider.
func (o *Orchestrator) Execute(ctx context.Context, req brain.Request, rc RequestContext) brain.Response {
	ctx, span := tracer.Start(ctx, "orchestrator.execute")
	defer span.End()

	base := req.Context
	if base == nil {
		base = rc.Map()
	}

	e, reason := o.selectEntry(ctx, rc)
	tried := make(map[*entry]bool, 3)
	var lastErr error
	for attempt := 1; e != nil; attempt++ {
		tried[e] = true
		span.AddEvent("attempt", traceAttrs(e, reason, attempt))
		o.metrics.Selected(ctx, e.cfg.ID, reason)

		resp := o.run(ctx, e, req, base)
		if resp.Success {
			span.SetAttributes(attribute.String(telemetry.AttrProviderID, e.cfg.ID))
			return resp
		}
		lastErr = resp.Err
		if ctx.Err() != nil {
			break
		}
		next, nextReason := o.next(ctx, tried)
		if next != nil {
			o.logger.Warn("provider failed, falling back",
				"provider", e.cfg.ID, "next", next.cfg.ID, "kind", resp.ErrorKind, "error", resp.Err)
			o.metrics.FellBack(ctx, e.cfg.ID, next.cfg.ID)
		}
		e, reason = next, nextReason
	}

	fail := exhausted(ctx, lastErr)
	span.RecordError(fail.Err)
	span.SetStatus(codes.Error, AllFailedMessage)
	o.logger.Error("all providers failed", "error", lastErr)
	return fail
}

// ExecuteStream is the streaming form of Execute. Text chunks are forwarded
// as they arrive and a single Done chunk carrying the parsed Response ends
// the stream. A provider that fails before emitting text is replaced by the
// next one in the chain; once text has been forwarded the provider is
// committed. Providers without streaming support are executed normally.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req brain.Request, rc RequestContext) (<-chan brain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeTimeout, "stream cancelled", err)
	}
	base := req.Context
	if base == nil {
		base = rc.Map()
	}

	out := make(chan brain.Chunk)
	go func() {
		defer close(out)
		ctx, span := tracer.Start(ctx, "orchestrator.execute")
		defer span.End()
		span.SetAttributes(attribute.Bool("avva.stream", true))

		e, reason := o.selectEntry(ctx, rc)
		tried := make(map[*entry]bool, 3)
		var lastErr error
		for attempt := 1; e != nil; attempt++ {
			tried[e] = true
			span.AddEvent("attempt", traceAttrs(e, reason, attempt))
			o.metrics.Selected(ctx, e.cfg.ID, reason)

			committed, resp := o.stream(ctx, e, req, base, out)
			if resp.Success || committed {
				sendChunk(ctx, out, brain.Chunk{Done: true, Response: &resp, Err: resp.Err})
				return
			}
			lastErr = resp.Err
			if ctx.Err() != nil {
				break
			}
			next, nextReason := o.next(ctx, tried)
			if next != nil {
				o.logger.Warn("provider stream failed, falling back",
					"provider", e.cfg.ID, "next", next.cfg.ID, "error", resp.Err)
				o.metrics.FellBack(ctx, e.cfg.ID, next.cfg.ID)
			}
			e, reason = next, nextReason
		}
		fail := exhausted(ctx, lastErr)
		span.RecordError(fail.Err)
		span.SetStatus(codes.Error, AllFailedMessage)
		sendChunk(ctx, out, brain.Chunk{Done: true, Response: &fail, Err: fail.Err})
	}()
	return out, nil
}

func (o *Orchestrator) stream(ctx context.Context, e *entry, req brain.Request, base map[string]any, out chan<- brain.Chunk) (bool, brain.Response) {
	sp, ok := e.p.(brain.StreamingProvider)
	if !ok || !e.p.Capabilities().Has(brain.CapStreaming) {
		return false, o.run(ctx, e, req, base)
	}

	r := o.prepare(e, req, base)
	start := time.Now()
	ch, err := sp.ExecuteStream(ctx, r)
	if err != nil {
		resp := brain.Failure(e.cfg.ID, brain.ErrorKind(err), err)
		o.record(ctx, e, resp, start)
		return false, resp
	}

	committed := false
	for c := range ch {
		if c.Done {
			var resp brain.Response
			if c.Response != nil {
				resp = *c.Response
			} else if c.Err != nil {
				resp = brain.Failure(e.cfg.ID, brain.ErrorKind(c.Err), c.Err)
			} else {
				resp = brain.Response{Success: true, Provider: e.cfg.ID}
			}
			drain(ch)
			o.record(ctx, e, resp, start)
			return committed, resp
		}
		if c.Err != nil {
			drain(ch)
			resp := brain.Failure(e.cfg.ID, brain.ErrorKind(c.Err), c.Err)
			o.record(ctx, e, resp, start)
			return committed, resp
		}
		if c.Text == "" {
			continue
		}
		if !sendChunk(ctx, out, brain.Chunk{Text: c.Text}) {
			drain(ch)
			resp := brain.Failure(e.cfg.ID, errors.CodeTimeout, ctx.Err())
			return committed, resp
		}
		committed = true
	}
	err = fmt.Errorf("stream from %s ended without a final chunk", e.cfg.ID)
	resp := brain.Failure(e.cfg.ID, errors.CodeProviderUnreachable, err)
	o.record(ctx, e, resp, start)
	return committed, resp
}

// run executes req on e with the context filtered for that provider.
func (o *Orchestrator) run(ctx context.Context, e *entry, req brain.Request, base map[string]any) (resp brain.Response) {
	r := o.prepare(e, req, base)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("provider %s panicked: %v", e.cfg.ID, rec)
			resp = brain.Failure(e.cfg.ID, errors.CodeInternal, err)
		}
		o.record(ctx, e, resp, start)
	}()
	return e.p.Execute(ctx, r)
}

func (o *Orchestrator) prepare(e *entry, req brain.Request, base map[string]any) brain.Request {
	level := o.defaultLevel
	if e.cfg.FilterLevel != "" {
		level = contextfilter.ParseLevel(e.cfg.FilterLevel)
	}
	r := req
	r.Context = o.filter.Apply(base, e.p.PrivacyLevel(), level)
	return r
}

// record feeds the outcome into the breaker, health cache, metrics and
// usage log.
func (o *Orchestrator) record(ctx context.Context, e *entry, resp brain.Response, start time.Time) {
	if resp.Provider == "" {
		resp.Provider = e.cfg.ID
	}
	o.metrics.ProviderLatency(ctx, e.cfg.ID, time.Since(start))
	if e != o.baseline {
		var err error
		if !resp.Success {
			err = resp.Err
			if err == nil {
				err = fmt.Errorf("provider %s failed", e.cfg.ID)
			}
			e.health.Invalidate()
		}
		e.breaker.Record(err)
		o.metrics.BreakerState(ctx, e.cfg.ID, string(e.breaker.State()))
	}
	if resp.Usage == nil {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.UsageAttributes(resp.Usage.Model,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.CostUSD)...)
	if o.store == nil {
		return
	}
	o.logger.Debug("provider usage", "provider", e.cfg.ID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"cost_usd", resp.Usage.CostUSD)
	if err := o.store.LogUsage(ctx, e.cfg.ID, *resp.Usage); err != nil {
		o.logger.Warn("failed to log usage", "provider", e.cfg.ID, "error", err)
	}
}

// next picks the following chain step: the fallback if untried and
// available, then the baseline if untried.
func (o *Orchestrator) next(ctx context.Context, tried map[*entry]bool) (*entry, string) {
	s := o.snapshot()
	if !s.rulesOnly && s.fallback != nil && !tried[s.fallback] && o.available(ctx, s.fallback) {
		return s.fallback, ReasonFallback
	}
	if !tried[o.baseline] {
		return o.baseline, ReasonBaseline
	}
	return nil, ""
}

func exhausted(ctx context.Context, lastErr error) brain.Response {
	code := errors.CodeAllProvidersFailed
	if ctx.Err() != nil {
		code = errors.CodeTimeout
	}
	err := errors.New(code, AllFailedMessage, lastErr)
	resp := brain.Failure("", code, err)
	resp.NaturalResponse = AllFailedMessage
	return resp
}

func sendChunk(ctx context.Context, out chan<- brain.Chunk, c brain.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan brain.Chunk) {
	for range ch {
	}
}

func traceAttrs(e *entry, reason string, attempt int) trace.EventOption {
	return trace.WithAttributes(telemetry.ProviderAttributes(
		e.cfg.ID, e.p.Kind(), string(e.p.PrivacyLevel()), reason, attempt)...)
}
