// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package lmstudio talks to a local LM Studio server through its
// OpenAI-compatible endpoint.
package lmstudio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jllopis/avva/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

const (
	providerName = "lmstudio"

	// DefaultBaseURL is where LM Studio serves by default.
	DefaultBaseURL = "http://localhost:1234/v1"
	DefaultModel   = "local-model"

	// LM Studio accepts any token.
	placeholderKey = "lm-studio"
)

// Provider implements llm.Provider for LM Studio.
type Provider struct {
	client  *openai.Client
	baseURL string
	model   string
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	model      string
	httpClient *http.Client
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *options) {
		if model != "" {
			o.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// New creates a provider for the server at baseURL.
func New(baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	o := options{
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := openai.DefaultConfig(placeholderKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = o.httpClient
	return &Provider{
		client:  openai.NewClientWithConfig(cfg),
		baseURL: baseURL,
		model:   o.model,
	}
}

// Model returns the default model.
func (p *Provider) Model() string {
	return p.model
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req))
	if err != nil {
		return nil, p.classify(err)
	}
	return convertResponse(resp), nil
}

// ChatStream implements llm.StreamingProvider.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	r := p.request(req)
	r.Stream = true
	r.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := p.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, p.classify(err)
	}

	chunks := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer stream.Close()
		send := func(c llm.StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		final := llm.StreamChunk{Done: true}
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(llm.StreamChunk{Error: p.classify(err), Done: true})
				return
			}
			if resp.Usage != nil {
				final.Usage = &llm.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" && !send(llm.StreamChunk{Content: text}) {
				return
			}
		}
		send(final)
	}()
	return chunks, nil
}

// ListModels implements llm.ModelLister with the models loaded in LM Studio.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.classify(err)
	}
	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, m.ID)
	}
	return models, nil
}

// request builds the completion request. JSON mode relies on the system
// prompt; LM Studio rejects the json_object response format.
func (p *Provider) request(req llm.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	r := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		r.Tools = convertTools(req.Tools)
	}
	return r
}

func (p *Provider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.NewProviderError(providerName, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.NewProviderError(providerName, reqErr.HTTPStatusCode, err)
	}
	return llm.NewProviderError(providerName, 0, fmt.Errorf("%s: %w", p.baseURL, err))
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		result = append(result, m)
	}
	return result
}

func convertTools(tools []llm.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	return result
}

func convertResponse(resp openai.ChatCompletionResponse) *llm.ChatResponse {
	result := &llm.ChatResponse{
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return result
	}
	msg := resp.Choices[0].Message
	result.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return result
}

var (
	_ llm.StreamingProvider = (*Provider)(nil)
	_ llm.ModelLister       = (*Provider)(nil)
)
