// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/avva/pkg/errors"
)

// Metrics holds the avva instruments. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	intentResolutions metric.Int64Counter
	selections        metric.Int64Counter
	fallbacks         metric.Int64Counter
	toolInvocations   metric.Int64Counter
	errors            metric.Int64Counter

	// 0=unreachable/misconfigured, 1=degraded, 2=available
	providerHealth metric.Int64Gauge
	// 0=open, 1=half-open, 2=closed
	breakerState metric.Int64Gauge

	providerLatency metric.Float64Histogram
}

// NewMetrics registers the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/jllopis/avva")
	}
	m := &Metrics{}
	var err error

	if m.intentResolutions, err = meter.Int64Counter(
		"avva.intent.resolutions",
		metric.WithDescription("Commands resolved by a local intent tier"),
	); err != nil {
		return nil, err
	}
	if m.selections, err = meter.Int64Counter(
		"avva.orchestrator.selections",
		metric.WithDescription("Provider selections by reason"),
	); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter(
		"avva.orchestrator.fallbacks",
		metric.WithDescription("Times the fallback chain moved to another provider"),
	); err != nil {
		return nil, err
	}
	if m.toolInvocations, err = meter.Int64Counter(
		"avva.tool.invocations",
		metric.WithDescription("Tool dispatches by outcome"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter(
		"avva.errors.total",
		metric.WithDescription("Errors by code and component"),
	); err != nil {
		return nil, err
	}
	if m.providerHealth, err = meter.Int64Gauge(
		"avva.provider.health",
		metric.WithDescription("Provider health (0=down, 1=degraded, 2=available)"),
	); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge(
		"avva.provider.circuit_breaker",
		metric.WithDescription("Circuit breaker state (0=open, 1=half-open, 2=closed)"),
	); err != nil {
		return nil, err
	}
	if m.providerLatency, err = meter.Float64Histogram(
		"avva.provider.latency_ms",
		metric.WithDescription("Provider execution latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// IntentResolved counts a local intent hit.
func (m *Metrics) IntentResolved(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.intentResolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// Selected counts a provider selection.
func (m *Metrics) Selected(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	m.selections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// FellBack counts a move along the fallback chain.
func (m *Metrics) FellBack(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// ToolInvoked counts a tool dispatch.
func (m *Metrics) ToolInvoked(ctx context.Context, tool, outcome string) {
	if m == nil {
		return
	}
	m.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// ProviderHealth records the numeric health of a provider.
func (m *Metrics) ProviderHealth(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	var v int64
	switch status {
	case "available":
		v = 2
	case "degraded":
		v = 1
	}
	m.providerHealth.Record(ctx, v, metric.WithAttributes(attribute.String("provider", provider)))
}

// BreakerState records a provider circuit breaker state.
func (m *Metrics) BreakerState(ctx context.Context, provider, state string) {
	if m == nil {
		return
	}
	var v int64
	switch state {
	case "closed":
		v = 2
	case "half-open":
		v = 1
	}
	m.breakerState.Record(ctx, v, metric.WithAttributes(attribute.String("provider", provider)))
}

// ProviderLatency records how long an execution took.
func (m *Metrics) ProviderLatency(ctx context.Context, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("provider", provider)))
}

// Error counts err under its avva error code.
func (m *Metrics) Error(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := errors.CodeInternal
	if c, ok := errors.CodeOf(err); ok {
		code = c
	}
	if component == "" {
		component = "unknown"
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(code)),
		attribute.String("component", component),
	))
}
