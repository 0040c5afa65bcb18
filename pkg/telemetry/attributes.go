// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry tracing, metrics and slog for avva.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on avva spans and instruments.
const (
	AttrRequestID = "avva.request.id"
	AttrCommand   = "avva.command"
	AttrRequester = "avva.requester"

	AttrIntentTier    = "avva.intent.tier"
	AttrIntentPattern = "avva.intent.pattern"
	AttrIntentSource  = "avva.intent.source"

	AttrToolName    = "avva.tool.name"
	AttrToolPlugin  = "avva.tool.plugin"
	AttrToolOutcome = "avva.tool.outcome"

	AttrProviderID      = "avva.provider.id"
	AttrProviderKind    = "avva.provider.kind"
	AttrProviderPrivacy = "avva.provider.privacy"
	AttrSelectReason    = "avva.orchestrator.reason"
	AttrFilterLevel     = "avva.filter.level"
	AttrAttempt         = "avva.orchestrator.attempt"

	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMCostUSD      = "avva.usage.cost_usd"

	AttrErrorCode = "avva.error.code"
)

// RequestAttributes describes an incoming command.
func RequestAttributes(requestID, command, requester string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCommand, command),
	}
	if requestID != "" {
		attrs = append(attrs, attribute.String(AttrRequestID, requestID))
	}
	if requester != "" {
		attrs = append(attrs, attribute.String(AttrRequester, requester))
	}
	return attrs
}

// IntentAttributes describes a local intent hit.
func IntentAttributes(tier, pattern, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrIntentTier, tier),
		attribute.String(AttrIntentPattern, pattern),
		attribute.String(AttrIntentSource, source),
	}
}

// ToolAttributes describes a tool dispatch.
func ToolAttributes(tool, plugin, outcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrToolName, tool)}
	if plugin != "" {
		attrs = append(attrs, attribute.String(AttrToolPlugin, plugin))
	}
	if outcome != "" {
		attrs = append(attrs, attribute.String(AttrToolOutcome, outcome))
	}
	return attrs
}

// ProviderAttributes describes the provider chosen for an attempt.
func ProviderAttributes(id, kind, privacy, reason string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrProviderID, id),
		attribute.Int(AttrAttempt, attempt),
	}
	if kind != "" {
		attrs = append(attrs, attribute.String(AttrProviderKind, kind))
	}
	if privacy != "" {
		attrs = append(attrs, attribute.String(AttrProviderPrivacy, privacy))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(AttrSelectReason, reason))
	}
	return attrs
}

// UsageAttributes records token usage. Zero values are omitted.
func UsageAttributes(model string, input, output int, cost float64) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if model != "" {
		attrs = append(attrs, attribute.String(AttrLLMModel, model))
	}
	if input > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, input))
	}
	if output > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, output))
	}
	if cost > 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMCostUSD, cost))
	}
	return attrs
}
