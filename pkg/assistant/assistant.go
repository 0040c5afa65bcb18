// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package assistant is the command facade. A command is first matched
// against the local intent tables; only a miss reaches a reasoning provider,
// whose structured answer may in turn name a tool to run.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/callstring"
	"github.com/jllopis/avva/pkg/core"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/governance"
	"github.com/jllopis/avva/pkg/intent"
	"github.com/jllopis/avva/pkg/orchestrator"
	"github.com/jllopis/avva/pkg/skills"
	"github.com/jllopis/avva/pkg/storage"
	"github.com/jllopis/avva/pkg/telemetry"
)

const (
	// DefaultThreshold is the minimum provider confidence to run an intent.
	DefaultThreshold = 0.7

	// ReasoningPermission gates every provider call.
	ReasoningPermission = "ai.generate"

	// ReasoningDisabledMessage is returned when ReasoningPermission is missing.
	ReasoningDisabledMessage = "AI reasoning is disabled. Grant the ai.generate permission to enable it."
)

var tracer = otel.Tracer("github.com/jllopis/avva/pkg/assistant")

// ReplyKind tags the shape of a Reply.
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyStructured
)

func (k ReplyKind) String() string {
	if k == ReplyStructured {
		return "structured"
	}
	return "text"
}

// Reply is the outcome of a command. Text is always display ready; Data is
// only set for structured tool results.
type Reply struct {
	Kind        ReplyKind
	Text        string
	Data        map[string]any
	Call        string // call string that was dispatched, if any
	Provider    string // reasoning provider that answered, if any
	Interrupted bool
	Err         error
}

// History records the conversation.
type History interface {
	LogInteraction(ctx context.Context, role, text, toolCall string) error
}

// Components are the collaborators an Assistant cannot work without.
type Components struct {
	Resolver     *intent.Resolver
	Registry     *skills.Registry
	Gate         *governance.Gate
	Orchestrator *orchestrator.Orchestrator
}

// Assistant processes commands. It is safe for concurrent use.
type Assistant struct {
	name                string
	requester           string
	threshold           float64
	reasoningPermission string

	resolver *intent.Resolver
	registry *skills.Registry
	gate     *governance.Gate
	orch     *orchestrator.Orchestrator

	history History
	events  core.EventEmitter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithName sets the assistant name used in logs and events.
func WithName(name string) Option {
	return func(a *Assistant) {
		if name != "" {
			a.name = name
		}
	}
}

// WithRequester sets the default requester placed in provider context.
func WithRequester(who string) Option {
	return func(a *Assistant) {
		if who != "" {
			a.requester = who
		}
	}
}

// WithThreshold sets the confidence needed to run a provider intent.
// Values outside (0, 1] are ignored.
func WithThreshold(t float64) Option {
	return func(a *Assistant) {
		if t > 0 && t <= 1 {
			a.threshold = t
		}
	}
}

// WithReasoningPermission overrides the permission that gates providers.
func WithReasoningPermission(name string) Option {
	return func(a *Assistant) {
		if name != "" {
			a.reasoningPermission = name
		}
	}
}

// WithHistory logs every exchange to h.
func WithHistory(h History) Option {
	return func(a *Assistant) { a.history = h }
}

// WithEmitter sets the event sink.
func WithEmitter(e core.EventEmitter) Option {
	return func(a *Assistant) {
		if e != nil {
			a.events = e
		}
	}
}

// WithMetrics records resolutions and tool invocations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assistant) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Assistant.
func New(c Components, opts ...Option) (*Assistant, error) {
	switch {
	case c.Resolver == nil:
		return nil, errors.New(errors.CodeInvalidInput, "assistant needs an intent resolver", nil)
	case c.Registry == nil:
		return nil, errors.New(errors.CodeInvalidInput, "assistant needs a plugin registry", nil)
	case c.Gate == nil:
		return nil, errors.New(errors.CodeInvalidInput, "assistant needs a permission gate", nil)
	case c.Orchestrator == nil:
		return nil, errors.New(errors.CodeInvalidInput, "assistant needs an orchestrator", nil)
	}
	a := &Assistant{
		name:                "Avva",
		requester:           "user",
		threshold:           DefaultThreshold,
		reasoningPermission: ReasoningPermission,
		resolver:            c.Resolver,
		registry:            c.Registry,
		gate:                c.Gate,
		orch:                c.Orchestrator,
		events:              core.NoopEventEmitter{},
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the assistant name.
func (a *Assistant) Name() string { return a.name }

// Process runs command through the intent tiers and, on a miss, through the
// reasoning orchestrator. It never panics and always returns a Reply.
func (a *Assistant) Process(ctx context.Context, command string) Reply {
	return a.process(ctx, command, nil)
}

// ProcessStream is the streaming form of Process. Provider text is passed to
// sink as it arrives; the accumulated text is interpreted once the stream
// ends. Raising interrupt (or cancelling ctx) stops all further emission and
// returns early with Reply.Interrupted set.
func (a *Assistant) ProcessStream(ctx context.Context, command string, sink func(string), interrupt *Interrupt) Reply {
	if sink == nil {
		sink = func(string) {}
	}
	return a.process(ctx, command, &streamState{sink: sink, interrupt: interrupt})
}

func (a *Assistant) process(ctx context.Context, command string, st *streamState) (reply Reply) {
	ctx, reqID := core.EnsureRequestID(ctx)
	requester := core.Requester(ctx, a.requester)
	command = strings.TrimSpace(command)

	ctx, span := tracer.Start(ctx, "assistant.process",
		trace.WithAttributes(telemetry.RequestAttributes(reqID, command, requester)...))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := errors.New(errors.CodeInternal, fmt.Sprintf("command processing panicked: %v", r), nil)
			a.logger.Error("command processing panicked", "request_id", reqID, "panic", r)
			reply = Reply{Kind: ReplyText, Text: "Something went wrong while handling that command.", Err: err}
		}
		if reply.Err != nil {
			span.RecordError(reply.Err)
			code, _ := errors.CodeOf(reply.Err)
			span.SetStatus(codes.Error, string(code))
			a.reportError(ctx, reply.Err, command)
		}
		a.emit(ctx, core.EventAssistantState, map[string]any{"state": StateIdle})
	}()

	if command == "" {
		return Reply{Kind: ReplyText}
	}

	a.emit(ctx, core.EventAssistantCommand, map[string]any{"command": command})
	a.emit(ctx, core.EventAssistantState, map[string]any{"state": StateProcessing})
	a.logInteraction(ctx, storage.RoleUser, command, "")

	reply = a.resolve(ctx, command, requester, st)

	if !reply.Interrupted {
		a.logInteraction(ctx, storage.RoleAssistant, reply.Text, reply.Call)
		payload := map[string]any{"text": reply.Text, "kind": reply.Kind.String()}
		if reply.Data != nil {
			payload["data"] = reply.Data
		}
		if reply.Call != "" {
			payload["call"] = reply.Call
		}
		if reply.Provider != "" {
			payload["provider"] = reply.Provider
		}
		a.emit(ctx, core.EventAssistantResponse, payload)
	}
	return reply
}

func (a *Assistant) resolve(ctx context.Context, command, requester string, st *streamState) Reply {
	span := trace.SpanFromContext(ctx)
	if m, ok := a.resolver.Match(command); ok {
		a.metrics.IntentResolved(ctx, string(m.Tier))
		span.SetAttributes(telemetry.IntentAttributes(string(m.Tier), m.Pattern, m.Source)...)
		a.logger.Debug("intent matched", "tier", m.Tier, "pattern", m.Pattern, "call", m.Call.String())
		return a.dispatch(ctx, m.Call, nil)
	}
	a.metrics.IntentResolved(ctx, "miss")

	if !a.gate.Permissions().Has(a.reasoningPermission) {
		a.logger.Info("reasoning skipped, permission not granted", "permission", a.reasoningPermission)
		return Reply{
			Kind: ReplyText,
			Text: ReasoningDisabledMessage,
			Err: errors.New(errors.CodePermissionDenied, "reasoning permission not granted", nil).
				WithContext("permission", a.reasoningPermission),
		}
	}

	route := core.RoutingFrom(ctx)
	rc := orchestrator.RequestContext{
		Query:              command,
		Requester:          requester,
		Sensitive:          route.Sensitive,
		RequiresPrivacy:    route.RequiresPrivacy,
		RequiredCapability: brain.Capability(route.Capability),
	}
	req := brain.Request{
		Prompt:      command,
		Tools:       a.toolInfo(),
		Constraints: brain.Constraints{JSONMode: true},
	}

	var resp brain.Response
	if st != nil {
		var partial string
		var interrupted bool
		resp, partial, interrupted = a.stream(ctx, req, rc, st)
		if interrupted {
			a.logger.Info("stream interrupted")
			return Reply{Kind: ReplyText, Text: partial, Interrupted: true}
		}
	} else {
		resp = a.orch.Execute(ctx, req, rc)
	}
	return a.interpret(ctx, resp)
}

// interpret turns a provider response into a Reply, running the extracted
// intent when the provider is confident enough.
func (a *Assistant) interpret(ctx context.Context, resp brain.Response) Reply {
	if !resp.Success {
		text := resp.NaturalResponse
		if text == "" {
			text = orchestrator.AllFailedMessage
		}
		return Reply{Kind: ReplyText, Text: text, Provider: resp.Provider, Err: resp.Err}
	}

	if resp.Intent != "" && resp.Confidence >= a.threshold {
		a.logger.Info("provider intent accepted",
			"provider", resp.Provider, "intent", resp.Intent, "confidence", resp.Confidence)
		call := callstring.New(resp.Intent, resp.OrderedArgs()...)
		reply := a.dispatch(ctx, call, resp.NamedArgs())
		reply.Provider = resp.Provider
		return reply
	}
	if resp.Intent != "" {
		a.logger.Debug("provider intent below threshold",
			"intent", resp.Intent, "confidence", resp.Confidence, "threshold", a.threshold)
	}

	text := resp.NaturalResponse
	if text == "" {
		text = resp.Content
	}
	return Reply{Kind: ReplyText, Text: text, Provider: resp.Provider}
}

func (a *Assistant) toolInfo() []brain.ToolInfo {
	bindings := a.registry.Tools()
	out := make([]brain.ToolInfo, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, brain.ToolInfo{ID: b.ID, Description: b.Description})
	}
	return out
}

func (a *Assistant) logInteraction(ctx context.Context, role, text, call string) {
	if a.history == nil || text == "" {
		return
	}
	if err := a.history.LogInteraction(ctx, role, text, call); err != nil {
		a.logger.Warn("failed to log interaction", "role", role, "error", err)
	}
}

func (a *Assistant) emit(ctx context.Context, t core.EventType, payload map[string]any) {
	a.events.Emit(ctx, core.NewEvent(ctx, t, payload))
}

// reportError publishes faults. Denials and unknown tools are ordinary
// outcomes and stay out of the error channel.
func (a *Assistant) reportError(ctx context.Context, err error, command string) {
	code, _ := errors.CodeOf(err)
	switch code {
	case errors.CodePermissionDenied, errors.CodeToolNotFound:
		return
	}
	a.metrics.Error(ctx, err, "assistant")
	a.emit(ctx, core.EventError, map[string]any{
		"code":          string(code),
		"message":       err.Error(),
		"severity":      "error",
		"retry_allowed": code != errors.CodeInternal,
		"context":       map[string]any{"command": command},
	})
}
