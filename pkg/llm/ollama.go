package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements the Provider interface for a local Ollama daemon.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// OllamaOption configures an OllamaProvider.
type OllamaOption func(*ollamaOptions)

type ollamaOptions struct {
	model      string
	httpClient *http.Client
}

// WithOllamaModel sets the default model used when a request has none.
func WithOllamaModel(model string) OllamaOption {
	return func(o *ollamaOptions) {
		o.model = model
	}
}

// WithOllamaHTTPClient overrides the HTTP client.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(o *ollamaOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// NewOllama creates a new OllamaProvider.
func NewOllama(baseURL string, opts ...OllamaOption) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	o := ollamaOptions{
		model:      "llama3.2",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		parsed, _ = url.Parse(defaultOllamaURL)
	}
	return &OllamaProvider{
		client: api.NewClient(parsed, o.httpClient),
		model:  o.model,
	}
}

// Model returns the configured default model.
func (p *OllamaProvider) Model() string {
	return p.model
}

func (p *OllamaProvider) request(req ChatRequest, stream bool) *api.ChatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	oReq := &api.ChatRequest{
		Model:    model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   &stream,
	}
	if req.JSONMode {
		oReq.Format = json.RawMessage(`"json"`)
	}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		oReq.Options = map[string]any{}
		if req.Temperature != 0 {
			oReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			oReq.Options["num_predict"] = req.MaxTokens
		}
	}
	return oReq
}

// Chat sends a chat request to Ollama and maps the response to ChatResponse.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	err := p.client.Chat(ctx, p.request(req, false), func(resp api.ChatResponse) error {
		out.Content += resp.Message.Content
		if resp.Done {
			out.Usage = Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, ollamaError(err)
	}
	return &out, nil
}

// ChatStream implements StreamingProvider for streaming responses.
func (p *OllamaProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	chunks := make(chan StreamChunk, 100)
	oReq := p.request(req, true)

	go func() {
		defer close(chunks)

		send := func(c StreamChunk) error {
			select {
			case chunks <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := p.client.Chat(ctx, oReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if err := send(StreamChunk{Content: resp.Message.Content}); err != nil {
					return err
				}
			}
			if resp.Done {
				return send(StreamChunk{
					Done: true,
					Usage: &Usage{
						PromptTokens:     resp.PromptEvalCount,
						CompletionTokens: resp.EvalCount,
						TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					},
				})
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			_ = send(StreamChunk{Error: ollamaError(err)})
		}
	}()

	return chunks, nil
}

// ListModels returns the names of the locally installed models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, ollamaError(err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func toOllamaMessages(msgs []Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		// Tool round trips are not used with Ollama; tool results are
		// folded into plain content.
		out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func ollamaError(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		return NewProviderError("ollama", status.StatusCode, err)
	}
	return NewProviderError("ollama", 0, err)
}

var (
	_ StreamingProvider = (*OllamaProvider)(nil)
	_ ModelLister       = (*OllamaProvider)(nil)
)
