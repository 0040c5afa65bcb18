// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRequestAttributes(t *testing.T) {
	attrs := RequestAttributes("req-1", "what time is it", "alice")
	assertAttributes(t, attrs, map[string]any{
		AttrRequestID: "req-1",
		AttrCommand:   "what time is it",
		AttrRequester: "alice",
	})

	attrs = RequestAttributes("", "hi", "")
	if len(attrs) != 1 {
		t.Errorf("expected only the command attribute, got %v", attrs)
	}
}

func TestProviderAttributes(t *testing.T) {
	attrs := ProviderAttributes("ollama", "ollama", "local", "privacy", 2)
	assertAttributes(t, attrs, map[string]any{
		AttrProviderID:      "ollama",
		AttrProviderKind:    "ollama",
		AttrProviderPrivacy: "local",
		AttrSelectReason:    "privacy",
		AttrAttempt:         2,
	})
}

func TestToolAttributes(t *testing.T) {
	attrs := ToolAttributes("get_time", "clock", "ok")
	assertAttributes(t, attrs, map[string]any{
		AttrToolName:    "get_time",
		AttrToolPlugin:  "clock",
		AttrToolOutcome: "ok",
	})
}

func TestUsageAttributesOmitsZero(t *testing.T) {
	attrs := UsageAttributes("", 0, 12, 0)
	assertAttributes(t, attrs, map[string]any{AttrLLMTokensOutput: 12})

	attrs = UsageAttributes("claude-3-5-haiku", 10, 20, 0.5)
	assertAttributes(t, attrs, map[string]any{
		AttrLLMModel:        "claude-3-5-haiku",
		AttrLLMTokensInput:  10,
		AttrLLMTokensOutput: 20,
		AttrLLMCostUSD:      0.5,
	})
}

func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()
	if len(attrs) != len(expected) {
		t.Fatalf("expected %d attributes, got %d: %v", len(expected), len(attrs), attrs)
	}
	for _, attr := range attrs {
		want, ok := expected[string(attr.Key)]
		if !ok {
			t.Errorf("unexpected attribute %s", attr.Key)
			continue
		}
		switch v := want.(type) {
		case string:
			if attr.Value.AsString() != v {
				t.Errorf("%s = %q, want %q", attr.Key, attr.Value.AsString(), v)
			}
		case int:
			if attr.Value.AsInt64() != int64(v) {
				t.Errorf("%s = %d, want %d", attr.Key, attr.Value.AsInt64(), v)
			}
		case float64:
			if attr.Value.AsFloat64() != v {
				t.Errorf("%s = %f, want %f", attr.Key, attr.Value.AsFloat64(), v)
			}
		}
	}
}
