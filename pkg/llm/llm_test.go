package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
}

func TestCollectStream(t *testing.T) {
	mock := &MockProvider{Response: "the quick brown fox"}
	ch, err := mock.ChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := Collect(ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "the quick brown fox" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestScriptedMockProvider(t *testing.T) {
	s := NewScriptedMockProvider("one", "two")
	for _, want := range []string{"one", "two"} {
		resp, err := s.Chat(context.Background(), ChatRequest{})
		if err != nil || resp.Content != want {
			t.Fatalf("expected %q, got %v %v", want, resp, err)
		}
	}
	if _, err := s.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if s.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", s.Calls())
	}
}

func TestReasonFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{404, ReasonModelNotFound},
		{429, ReasonRateLimit},
		{500, ReasonServer},
		{503, ReasonServer},
		{504, ReasonTimeout},
		{400, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := ReasonFromStatus(tt.status); got != tt.want {
				t.Errorf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestProviderErrorClassification(t *testing.T) {
	err := NewProviderError("x", 0, errors.New("dial tcp 127.0.0.1:1: connect: connection refused"))
	if err.Reason != ReasonUnreachable {
		t.Errorf("expected unreachable, got %s", err.Reason)
	}
	wrapped := fmt.Errorf("call: %w", err)
	if ReasonOf(wrapped) != ReasonUnreachable {
		t.Errorf("ReasonOf should unwrap")
	}
	if again := NewProviderError("y", 500, wrapped); again != err {
		t.Errorf("existing classification should be kept")
	}
	if ReasonOf(context.DeadlineExceeded) != ReasonTimeout {
		t.Errorf("deadline should be a timeout")
	}
}

func TestOllamaChatAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]any{{"name": "llama3.2:latest", "model": "llama3.2:latest"}},
			})
		case "/api/chat":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["format"] != "json" {
				t.Errorf("expected json format, got %v", req["format"])
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":"{\"intent\":"},"done":false}`)
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":"null}"},"done":true,"prompt_eval_count":3,"eval_count":4}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, WithOllamaModel("llama3.2"))
	models, err := p.ListModels(context.Background())
	if err != nil || len(models) != 1 || models[0] != "llama3.2:latest" {
		t.Fatalf("ListModels: %v %v", models, err)
	}

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"intent":null}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	ch, err := p.ChatStream(context.Background(), ChatRequest{JSONMode: true})
	if err != nil {
		t.Fatal(err)
	}
	var parts []string
	for c := range ch {
		if c.Error != nil {
			t.Fatal(c.Error)
		}
		if c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	if strings.Join(parts, "") != `{"intent":null}` || len(parts) != 2 {
		t.Errorf("unexpected stream parts %v", parts)
	}
}

func TestOllamaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOllama(url).ListModels(context.Background())
	if ReasonOf(err) != ReasonUnreachable {
		t.Fatalf("expected unreachable, got %v (%s)", err, ReasonOf(err))
	}
}
