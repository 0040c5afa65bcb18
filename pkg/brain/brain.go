// Package brain defines the reasoning provider contract. A brain receives a
// command that no local intent matched and answers either with natural text
// or with a structured intent extraction the assistant can dispatch.
package brain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/avva/pkg/errors"
)

// Capability is a feature a provider advertises.
type Capability string

const (
	CapChat        Capability = "chat"
	CapToolCalling Capability = "tool_calling"
	CapJSONMode    Capability = "json_mode"
	CapStreaming   Capability = "streaming"
	CapVision      Capability = "vision"
	CapOffline     Capability = "offline"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// Caps builds a CapabilitySet.
func Caps(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities sorted by name.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// PrivacyLevel says where a provider sends the data it receives.
type PrivacyLevel string

const (
	PrivacyLocal         PrivacyLevel = "local"
	PrivacyTrustedCloud  PrivacyLevel = "trusted_cloud"
	PrivacyExternalCloud PrivacyLevel = "external_cloud"
)

// ParsePrivacyLevel parses a level name. Unknown names yield external_cloud.
func ParsePrivacyLevel(s string) PrivacyLevel {
	switch PrivacyLevel(strings.ToLower(strings.TrimSpace(s))) {
	case PrivacyLocal:
		return PrivacyLocal
	case PrivacyTrustedCloud:
		return PrivacyTrustedCloud
	default:
		return PrivacyExternalCloud
	}
}

// Status is the coarse health of a provider.
type Status string

const (
	StatusAvailable     Status = "available"
	StatusUnreachable   Status = "unreachable"
	StatusMisconfigured Status = "misconfigured"
	StatusDegraded      Status = "degraded"
)

// Health is the result of a provider health check.
type Health struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Models    []string      `json:"models,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Available reports whether the provider can serve requests.
func (h Health) Available() bool {
	return h.Status == StatusAvailable
}

// Constraints bound a single execution.
type Constraints struct {
	MaxTokens   int
	Temperature float64
	JSONMode    bool
	Timeout     time.Duration
}

// Request is what a provider receives.
type Request struct {
	Prompt      string
	Context     map[string]any
	Constraints Constraints
	// Tools lists the callable tools for prompt building.
	Tools []ToolInfo
}

// ToolInfo describes a callable tool to a provider.
type ToolInfo struct {
	ID          string
	Description string
}

// Usage reports token consumption and estimated cost.
type Usage struct {
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Response is the outcome of Execute. Failures are reported through Err and
// ErrorKind, never by panicking.
type Response struct {
	Success         bool
	Content         string
	Confidence      float64
	Intent          string
	Arguments       map[string]any
	ArgumentOrder   []string
	NaturalResponse string
	Usage           *Usage
	Provider        string
	Err             error
	ErrorKind       errors.ErrorCode
}

// Failure builds an unsuccessful response.
func Failure(provider string, kind errors.ErrorCode, err error) Response {
	return Response{Provider: provider, Err: err, ErrorKind: kind}
}

// Chunk is one increment of a streamed execution. The final chunk has Done
// set and carries the parsed Response.
type Chunk struct {
	Text     string
	Done     bool
	Response *Response
	Err      error
}

// Provider is a reasoning backend.
type Provider interface {
	ID() string
	Name() string
	Kind() string
	Capabilities() CapabilitySet
	PrivacyLevel() PrivacyLevel
	// HealthCheck never fails; problems are reported as a terminal status.
	HealthCheck(ctx context.Context) Health
	Execute(ctx context.Context, req Request) Response
}

// StreamingProvider is implemented by providers that can stream text.
type StreamingProvider interface {
	Provider
	ExecuteStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config is the persisted description of a registered provider.
type Config struct {
	ID           string         `json:"id" koanf:"id"`
	Name         string         `json:"name" koanf:"name"`
	Kind         string         `json:"kind" koanf:"kind"`
	Active       bool           `json:"active" koanf:"active"`
	Fallback     bool           `json:"fallback" koanf:"fallback"`
	FilterLevel  string         `json:"filter_level,omitempty" koanf:"filter_level"`
	PrivacyLevel string         `json:"privacy_level,omitempty" koanf:"privacy_level"`
	Settings     map[string]any `json:"settings,omitempty" koanf:"settings"`
}

// Setting returns a string setting or def.
func (c Config) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return def
}
