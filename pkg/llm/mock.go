package llm

import (
	"context"
	"strings"
)

// MockProvider is a testing implementation of Provider.
type MockProvider struct {
	Response string
	Err      error
	// Models is returned by ListModels; ListErr takes precedence.
	Models   []string
	ListErr  error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{
		Content: m.Response,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// ChatStream emits the response word by word.
func (m *MockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return StreamWords(ctx, resp.Content), nil
}

// ListModels returns the configured model names.
func (m *MockProvider) ListModels(context.Context) ([]string, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return append([]string(nil), m.Models...), nil
}

// StreamWords splits content on spaces into chunks, keeping the separators
// so the concatenation equals content.
func StreamWords(ctx context.Context, content string) <-chan StreamChunk {
	words := strings.SplitAfter(content, " ")
	ch := make(chan StreamChunk, len(words)+1)
	go func() {
		defer close(ch)
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case ch <- StreamChunk{Content: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch
}

var (
	_ StreamingProvider = (*MockProvider)(nil)
	_ ModelLister       = (*MockProvider)(nil)
)
