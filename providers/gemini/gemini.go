// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini binds the Google Gemini API to the llm contract.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jllopis/avva/pkg/llm"
	"google.golang.org/genai"
)

const (
	providerName = "gemini"
	DefaultModel = "gemini-2.0-flash"
)

// Provider implements llm.Provider for the Gemini API. Without an API key
// the provider is created but reports itself as not configured.
type Provider struct {
	client  *genai.Client
	model   string
	apiKey  string
	baseURL string
}

// Option configures the Provider.
type Option func(*Provider)

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(apiKey string) Option {
	return func(p *Provider) {
		if apiKey != "" {
			p.apiKey = apiKey
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// New creates a provider. The key defaults to GOOGLE_API_KEY, then
// GEMINI_API_KEY.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{model: DefaultModel, apiKey: os.Getenv("GOOGLE_API_KEY")}
	if p.apiKey == "" {
		p.apiKey = os.Getenv("GEMINI_API_KEY")
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.apiKey == "" {
		return p, nil
	}
	cfg := &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	p.client = client
	return p, nil
}

// NewWithAPIKey creates a provider with an explicit API key.
func NewWithAPIKey(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	opts = append([]Option{WithAPIKey(apiKey)}, opts...)
	return New(ctx, opts...)
}

// Model returns the default model.
func (p *Provider) Model() string {
	return p.model
}

// CheckConfig reports a missing API key.
func (p *Provider) CheckConfig() error {
	if p.client == nil {
		return fmt.Errorf("%w: API key not configured", llm.ErrNotConfigured)
	}
	return nil
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := p.CheckConfig(); err != nil {
		return nil, err
	}
	model, contents, config := p.request(req)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	return convertResponse(resp), nil
}

// Close is a no-op; the client holds no resources.
func (p *Provider) Close() error {
	return nil
}

func (p *Provider) request(req llm.ChatRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	contents, systemInstruction := convertMessages(req.Messages)
	config := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(req.Tools)},
		}
	}
	return model, contents, config
}

// classify maps SDK errors by message; the SDK error type carries no
// stable status field across versions.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	status := 0
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthenticated"), strings.Contains(msg, "api key not valid"):
		status = http.StatusUnauthorized
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied"):
		status = http.StatusForbidden
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		status = http.StatusNotFound
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"):
		status = http.StatusTooManyRequests
	case strings.Contains(msg, "500"), strings.Contains(msg, "503"):
		status = http.StatusInternalServerError
	}
	return llm.NewProviderError(providerName, status, err)
}

func convertMessages(messages []llm.Message) ([]*genai.Content, string) {
	var systemInstruction string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			systemInstruction = msg.Content
		case llm.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case llm.RoleAssistant:
			content := &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{},
			}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Function.Name,
						Args: args,
					},
				})
			}
			contents = append(contents, content)
		case llm.RoleTool:
			var result map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &result); err != nil {
				result = map[string]any{"result": msg.Content}
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{
					{
						FunctionResponse: &genai.FunctionResponse{
							Name:     msg.ToolCallID, // function name, Gemini has no call ids
							Response: result,
						},
					},
				},
			})
		}
	}

	return contents, systemInstruction
}

func convertTools(tools []llm.Tool) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))

	for _, tool := range tools {
		paramsJSON, _ := json.Marshal(tool.Function.Parameters)
		var schema *genai.Schema
		_ = json.Unmarshal(paramsJSON, &schema)

		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  schema,
		})
	}

	return declarations
}

func convertResponse(resp *genai.GenerateContentResponse) *llm.ChatResponse {
	result := &llm.ChatResponse{}

	if resp.UsageMetadata != nil {
		result.Usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					result.Content += part.Text
				}
				if part.FunctionCall != nil {
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
						ID:   part.FunctionCall.Name, // Gemini doesn't have separate IDs
						Type: llm.ToolTypeFunction,
						Function: llm.FunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(argsJSON),
						},
					})
				}
			}
		}
	}

	return result
}

// ChatStream implements llm.StreamingProvider.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := p.CheckConfig(); err != nil {
		return nil, err
	}
	model, contents, config := p.request(req)
	chunks := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(chunks)
		send := func(c llm.StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		final := llm.StreamChunk{Done: true}
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				send(llm.StreamChunk{Error: classify(err), Done: true})
				return
			}
			part := convertResponse(resp)
			if resp.UsageMetadata != nil {
				usage := part.Usage
				final.Usage = &usage
			}
			final.ToolCalls = append(final.ToolCalls, part.ToolCalls...)
			if part.Content != "" && !send(llm.StreamChunk{Content: part.Content}) {
				return
			}
		}
		send(final)
	}()
	return chunks, nil
}

var (
	_ llm.StreamingProvider = (*Provider)(nil)
	_ llm.ConfigChecker     = (*Provider)(nil)
)
