// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jllopis/avva/pkg/llm"
)

func TestNewProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	p := New()
	if p.model != DefaultModel {
		t.Errorf("expected default model, got %s", p.model)
	}
	if p.maxTokens != 1024 {
		t.Errorf("expected maxTokens 1024, got %d", p.maxTokens)
	}
	if !errors.Is(p.CheckConfig(), llm.ErrNotConfigured) {
		t.Errorf("empty key should be reported as not configured")
	}
}

func TestOptions(t *testing.T) {
	p := NewWithAPIKey("sk-test", WithModel("claude-3-opus-20240229"), WithMaxTokens(8192))
	if p.model != "claude-3-opus-20240229" || p.maxTokens != 8192 {
		t.Errorf("unexpected provider %+v", p)
	}
	if err := p.CheckConfig(); err != nil {
		t.Errorf("unexpected config error %v", err)
	}
}

func TestParamsJSONModeAndSystem(t *testing.T) {
	p := NewWithAPIKey("k")
	params := p.params(llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are Avva."},
			{Role: llm.RoleUser, Content: "hi"},
		},
		JSONMode:  true,
		MaxTokens: 64,
	})
	if len(params.System) != 1 || !strings.Contains(params.System[0].Text, jsonInstruction) {
		t.Errorf("expected json instruction in system prompt, got %+v", params.System)
	}
	if params.MaxTokens != 64 || len(params.Messages) != 1 {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestChatAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`)
			return
		}
		switch r.URL.Path {
		case "/v1/messages":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet",
				"content":     []map[string]any{{"type": "text", "text": `{"intent":"get_time"}`}},
				"stop_reason": "end_turn",
				"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
			})
		case "/v1/models":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":     []map[string]any{{"id": "claude-3-5-sonnet-20241022", "type": "model", "display_name": "Sonnet"}},
				"has_more": false,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewWithAPIKey("k", WithBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "time?"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"intent":"get_time"}` || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected response %+v", resp)
	}
	models, err := p.ListModels(context.Background())
	if err != nil || len(models) != 1 {
		t.Errorf("ListModels: %v %v", models, err)
	}

	bad := NewWithAPIKey("wrong", WithBaseURL(srv.URL))
	_, err = bad.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if llm.ReasonOf(err) != llm.ReasonAuth {
		t.Errorf("expected auth failure, got %v (%s)", err, llm.ReasonOf(err))
	}
}

func TestConvertMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  llm.Message
		role string
	}{
		{"user", llm.Message{Role: llm.RoleUser, Content: "Hello"}, "user"},
		{"assistant", llm.Message{Role: llm.RoleAssistant, Content: "Hi there"}, "assistant"},
		{"tool result", llm.Message{Role: llm.RoleTool, Content: "12:00", ToolCallID: "toolu_1"}, "user"},
		{"assistant tool call", llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:       "toolu_1",
				Type:     llm.ToolTypeFunction,
				Function: llm.FunctionCall{Name: "get_time", Arguments: `{}`},
			}},
		}, "assistant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertMessage(tt.msg); string(got.Role) != tt.role {
				t.Errorf("expected role %s, got %s", tt.role, got.Role)
			}
		})
	}
}

func TestCost(t *testing.T) {
	usage := llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	tests := []struct {
		model string
		want  float64
	}{
		{"claude-3-5-sonnet-20241022", 18},
		{"claude-3-opus-20240229", 90},
		{"claude-3-haiku-20240307", 1.5},
		{"something-else", 18},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := Cost(tt.model, usage); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}
