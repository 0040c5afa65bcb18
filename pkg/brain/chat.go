// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/llm"
)

// CostFunc estimates the USD cost of a call.
type CostFunc func(model string, usage llm.Usage) float64

// ChatBrain adapts a chat-completion backend into a Provider.
type ChatBrain struct {
	id          string
	name        string
	kind        string
	model       string
	backend     llm.Provider
	caps        CapabilitySet
	privacy     PrivacyLevel
	maxTokens   int
	temperature float64
	assistant   string
	strictModel bool
	healthFn    func(ctx context.Context) Health
	cost        CostFunc
	logger      *slog.Logger
}

// ChatOption configures a ChatBrain.
type ChatOption func(*ChatBrain)

// WithModel sets the model name requested from the backend.
func WithModel(model string) ChatOption {
	return func(b *ChatBrain) { b.model = model }
}

// WithName sets the display name.
func WithName(name string) ChatOption {
	return func(b *ChatBrain) {
		if name != "" {
			b.name = name
		}
	}
}

// WithCapabilities replaces the advertised capabilities.
func WithCapabilities(caps ...Capability) ChatOption {
	return func(b *ChatBrain) { b.caps = Caps(caps...) }
}

// WithPrivacy sets the privacy level.
func WithPrivacy(level PrivacyLevel) ChatOption {
	return func(b *ChatBrain) {
		if level != "" {
			b.privacy = level
		}
	}
}

// WithMaxTokens sets the default completion limit.
func WithMaxTokens(n int) ChatOption {
	return func(b *ChatBrain) { b.maxTokens = n }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) ChatOption {
	return func(b *ChatBrain) { b.temperature = t }
}

// WithAssistantName sets the persona name used in the system prompt.
func WithAssistantName(name string) ChatOption {
	return func(b *ChatBrain) { b.assistant = name }
}

// WithStrictModelCheck makes HealthCheck require the configured model in
// the backend model list.
func WithStrictModelCheck(strict bool) ChatOption {
	return func(b *ChatBrain) { b.strictModel = strict }
}

// WithHealthCheck overrides the health probe.
func WithHealthCheck(fn func(ctx context.Context) Health) ChatOption {
	return func(b *ChatBrain) { b.healthFn = fn }
}

// WithCost sets the cost estimator.
func WithCost(fn CostFunc) ChatOption {
	return func(b *ChatBrain) { b.cost = fn }
}

// WithChatLogger sets the logger.
func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(b *ChatBrain) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewChatBrain wraps backend. kind names the vendor ("ollama", "openai", ...).
func NewChatBrain(id, kind string, backend llm.Provider, opts ...ChatOption) *ChatBrain {
	b := &ChatBrain{
		id:          id,
		name:        id,
		kind:        kind,
		backend:     backend,
		caps:        Caps(CapChat, CapJSONMode),
		privacy:     PrivacyExternalCloud,
		maxTokens:   1024,
		temperature: 0.7,
		logger:      slog.Default(),
	}
	if _, ok := backend.(llm.StreamingProvider); ok {
		b.caps[CapStreaming] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "brain", "provider", id)
	return b
}

func (b *ChatBrain) ID() string                  { return b.id }
func (b *ChatBrain) Name() string                { return b.name }
func (b *ChatBrain) Kind() string                { return b.kind }
func (b *ChatBrain) Model() string               { return b.model }
func (b *ChatBrain) Capabilities() CapabilitySet { return b.caps }
func (b *ChatBrain) PrivacyLevel() PrivacyLevel  { return b.privacy }

// HealthCheck probes the backend through its model listing when available.
func (b *ChatBrain) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	h := b.probe(ctx)
	h.Latency = time.Since(start)
	h.CheckedAt = start
	return h
}

func (b *ChatBrain) probe(ctx context.Context) Health {
	if b.healthFn != nil {
		return b.healthFn(ctx)
	}
	if err := b.checkConfig(); err != nil {
		return Health{Status: StatusMisconfigured, Message: fmt.Sprintf("%s: %v", b.name, err)}
	}
	lister, ok := b.backend.(llm.ModelLister)
	if !ok {
		return Health{Status: StatusAvailable, Message: "no health probe available"}
	}
	models, err := lister.ListModels(ctx)
	if err != nil {
		return HealthFromError(b.name, err)
	}
	if len(models) == 0 {
		return Health{Status: StatusMisconfigured, Message: "No models installed"}
	}
	if !b.strictModel || b.model == "" {
		return Health{Status: StatusAvailable, Message: fmt.Sprintf("%s ready", b.name), Models: models}
	}
	if modelInstalled(b.model, models) {
		return Health{Status: StatusAvailable, Message: fmt.Sprintf("%s ready with %s", b.name, b.model), Models: models}
	}
	return Health{
		Status:  StatusMisconfigured,
		Message: fmt.Sprintf("Model '%s' not found. Did you mean '%s'?", b.model, suggestModel(b.model, models)),
		Models:  models,
	}
}

func (b *ChatBrain) checkConfig() error {
	if cc, ok := b.backend.(llm.ConfigChecker); ok {
		return cc.CheckConfig()
	}
	return nil
}

// HealthFromError maps a backend error onto a terminal health status.
func HealthFromError(name string, err error) Health {
	switch llm.ReasonOf(err) {
	case llm.ReasonAuth:
		return Health{Status: StatusMisconfigured, Message: fmt.Sprintf("%s rejected the credentials: %v", name, err)}
	case llm.ReasonModelNotFound:
		return Health{Status: StatusMisconfigured, Message: fmt.Sprintf("%s model not found: %v", name, err)}
	case llm.ReasonRateLimit, llm.ReasonServer:
		return Health{Status: StatusDegraded, Message: fmt.Sprintf("%s is degraded: %v", name, err)}
	default:
		return Health{Status: StatusUnreachable, Message: fmt.Sprintf("Cannot connect to %s: %v", name, err)}
	}
}

// ErrorKind maps a backend error onto the error taxonomy.
func ErrorKind(err error) errors.ErrorCode {
	if code, ok := errors.CodeOf(err); ok {
		return code
	}
	switch llm.ReasonOf(err) {
	case llm.ReasonAuth, llm.ReasonModelNotFound:
		return errors.CodeProviderMisconfigured
	case llm.ReasonTimeout:
		return errors.CodeTimeout
	default:
		return errors.CodeProviderUnreachable
	}
}

func modelInstalled(model string, models []string) bool {
	for _, m := range models {
		if m == model || strings.HasPrefix(m, model+":") || strings.TrimSuffix(m, ":latest") == model {
			return true
		}
	}
	return false
}

func suggestModel(model string, models []string) string {
	lower := strings.ToLower(model)
	if i := strings.IndexByte(lower, ':'); i > 0 {
		lower = lower[:i]
	}
	for _, m := range models {
		if strings.Contains(strings.ToLower(m), lower) {
			return m
		}
	}
	return models[0]
}

func (b *ChatBrain) chatRequest(req Request) llm.ChatRequest {
	maxTokens := req.Constraints.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.maxTokens
	}
	temp := req.Constraints.Temperature
	if temp == 0 {
		temp = b.temperature
	}
	return llm.ChatRequest{
		Model: b.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: SystemPrompt(b.assistant, req.Tools, req.Context)},
			{Role: llm.RoleUser, Content: req.Prompt},
		},
		Temperature: temp,
		MaxTokens:   maxTokens,
		JSONMode:    req.Constraints.JSONMode || b.caps.Has(CapJSONMode),
	}
}

// Execute sends the prompt to the backend and parses the payload.
func (b *ChatBrain) Execute(ctx context.Context, req Request) (resp Response) {
	ctx, span := otel.Tracer("avva/brain").Start(ctx, "brain.execute")
	span.SetAttributes(attribute.String("avva.provider", b.id), attribute.String("avva.provider.kind", b.kind))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			resp = Failure(b.id, errors.CodeInternal, fmt.Errorf("provider panicked: %v", r))
		}
		if !resp.Success {
			span.SetStatus(codes.Error, fmt.Sprint(resp.Err))
		}
	}()

	if req.Constraints.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Constraints.Timeout)
		defer cancel()
	}

	if err := b.checkConfig(); err != nil {
		return Failure(b.id, errors.CodeProviderMisconfigured, err)
	}
	out, err := b.backend.Chat(ctx, b.chatRequest(req))
	if err != nil {
		b.logger.Warn("provider execution failed", "error", err)
		return Failure(b.id, ErrorKind(err), err)
	}
	return b.finish(out.Content, out.Usage)
}

// ExecuteStream streams text chunks. The final chunk carries the parsed
// Response. Backends without streaming emit their whole answer at once.
func (b *ChatBrain) ExecuteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	sp, ok := b.backend.(llm.StreamingProvider)
	if !ok {
		ch := make(chan Chunk, 2)
		go func() {
			defer close(ch)
			resp := b.Execute(ctx, req)
			if resp.Success && resp.Content != "" {
				select {
				case ch <- Chunk{Text: resp.Content}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Chunk{Done: true, Response: &resp, Err: resp.Err}:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}

	if err := b.checkConfig(); err != nil {
		return nil, errors.New(errors.CodeProviderMisconfigured, "provider not configured", err)
	}
	in, err := sp.ChatStream(ctx, b.chatRequest(req))
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		var text strings.Builder
		var usage llm.Usage
		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for c := range in {
			if c.Error != nil {
				resp := Failure(b.id, ErrorKind(c.Error), c.Error)
				emit(Chunk{Done: true, Response: &resp, Err: c.Error})
				drain(in)
				return
			}
			if c.Content != "" {
				text.WriteString(c.Content)
				if !emit(Chunk{Text: c.Content}) {
					drain(in)
					return
				}
			}
			if c.Usage != nil {
				usage = *c.Usage
			}
		}
		if err := ctx.Err(); err != nil {
			return
		}
		resp := b.finish(text.String(), usage)
		emit(Chunk{Done: true, Response: &resp})
	}()
	return out, nil
}

func drain(ch <-chan llm.StreamChunk) {
	for range ch {
	}
}

func (b *ChatBrain) finish(content string, usage llm.Usage) Response {
	resp := Response{Success: true, Content: content, Provider: b.id}
	if usage.TotalTokens > 0 || usage.PromptTokens > 0 {
		resp.Usage = &Usage{Model: b.model, PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens}
		if b.cost != nil {
			resp.Usage.CostUSD = b.cost(b.model, usage)
		}
	}
	payload, err := ParsePayload(content)
	if err != nil {
		b.logger.Debug("structured output not parsed, returning raw text", "error", err)
		resp.NaturalResponse = content
		return resp
	}
	payload.Apply(&resp)
	return resp
}

var _ StreamingProvider = (*ChatBrain)(nil)
