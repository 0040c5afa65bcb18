// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package contextfilter minimizes the context handed to a reasoning
// provider according to where that provider sends its data.
package contextfilter

import (
	"regexp"
	"strings"
	"sync"

	"github.com/jllopis/avva/pkg/brain"
)

// Level is the filter aggressiveness.
type Level string

const (
	LevelNone       Level = "none"
	LevelMinimal    Level = "minimal"
	LevelModerate   Level = "moderate"
	LevelAggressive Level = "aggressive"
	LevelAuto       Level = "auto"
)

// PrivacyNote is added to aggressively filtered contexts.
const PrivacyNote = "Context minimized for external cloud provider"

// ParseLevel parses a level name; unknown or empty names yield auto.
func ParseLevel(s string) Level {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelNone, LevelMinimal, LevelModerate, LevelAggressive:
		return l
	default:
		return LevelAuto
	}
}

// Resolve turns auto into a concrete level for the given privacy level.
func Resolve(level Level, privacy brain.PrivacyLevel) Level {
	if level != LevelAuto && level != "" {
		return level
	}
	switch privacy {
	case brain.PrivacyLocal:
		return LevelMinimal
	case brain.PrivacyTrustedCloud:
		return LevelModerate
	default:
		return LevelAggressive
	}
}

type rule struct {
	name    string
	pattern *regexp.Regexp
	mask    string
}

// Placeholders contain no digits, '@', '/' or '.', so no rule matches its
// own output.
var (
	keyRule = rule{"key", regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`), "[KEY]"}

	moderateRules = []rule{
		{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
		{"uuid", regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "[UUID]"},
		{"credit_card", regexp.MustCompile(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`), "[CREDIT_CARD]"},
		{"ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[IP]"},
		{"ssn", regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), "[SSN]"},
		{"home", regexp.MustCompile(`/(?:home|Users)/[^/\s]+`), "~"},
		{"path", regexp.MustCompile(`/[A-Za-z0-9_\-./]+`), "[PATH]"},
	}

	secretKeyParts = []string{"api_key", "apikey", "token", "secret", "password", "credential"}
)

// Filter redacts context maps. The zero value is not usable; use New.
type Filter struct {
	homeDir string
	extra   []rule
}

// Option configures a Filter.
type Option func(*Filter)

// WithHomeDir sets a home directory prefix replaced by "~" at moderate level.
func WithHomeDir(dir string) Option {
	return func(f *Filter) {
		f.homeDir = strings.TrimRight(strings.TrimSpace(dir), "/")
	}
}

// WithPattern adds a redaction applied at moderate level and above. The mask
// must not itself match pattern.
func WithPattern(name, pattern, mask string) Option {
	return func(f *Filter) {
		if re, err := regexp.Compile(pattern); err == nil && !re.MatchString(mask) {
			f.extra = append(f.extra, rule{name, re, mask})
		}
	}
}

// New creates a filter.
func New(opts ...Option) *Filter {
	f := &Filter{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var defaultFilter = sync.OnceValue(func() *Filter { return New() })

// Apply filters ctx with a default Filter.
func Apply(ctx map[string]any, privacy brain.PrivacyLevel, level Level) map[string]any {
	return defaultFilter().Apply(ctx, privacy, level)
}

// Apply returns a filtered copy of ctx. The input is never modified and
// applying the same level twice yields the same result as applying it once.
func (f *Filter) Apply(ctx map[string]any, privacy brain.PrivacyLevel, level Level) map[string]any {
	switch Resolve(level, privacy) {
	case LevelNone:
		return copyMap(ctx)
	case LevelMinimal:
		return f.minimal(ctx)
	case LevelModerate:
		return f.moderate(ctx)
	default:
		return aggressive(ctx)
	}
}

func (f *Filter) minimal(ctx map[string]any) map[string]any {
	return f.walkMap(ctx, func(s string) string {
		return keyRule.pattern.ReplaceAllString(s, keyRule.mask)
	})
}

func (f *Filter) moderate(ctx map[string]any) map[string]any {
	out := f.walkMap(ctx, f.redact)
	if _, ok := out["hostname"]; ok {
		out["hostname"] = "[REDACTED]"
	}
	if _, ok := out["username"]; ok {
		out["username"] = "[USER]"
	}
	if _, ok := out["home_dir"]; ok {
		out["home_dir"] = "~"
	}
	return out
}

func aggressive(ctx map[string]any) map[string]any {
	query, _ := ctx["query"].(string)
	return map[string]any{
		"query":        query,
		"privacy_note": PrivacyNote,
	}
}

// RedactString applies the moderate string rules to s.
func (f *Filter) RedactString(s string) string {
	return f.redact(s)
}

func (f *Filter) redact(s string) string {
	s = keyRule.pattern.ReplaceAllString(s, keyRule.mask)
	for _, r := range f.extra {
		s = r.pattern.ReplaceAllString(s, r.mask)
	}
	if f.homeDir != "" {
		s = replacePrefixPath(s, f.homeDir)
	}
	for _, r := range moderateRules {
		s = r.pattern.ReplaceAllString(s, r.mask)
	}
	return s
}

// replacePrefixPath swaps occurrences of dir at a path boundary for "~".
func replacePrefixPath(s, dir string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, dir)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(dir)
		if end < len(s) && s[end] != '/' && s[end] != ' ' {
			b.WriteString(s[:end])
			s = s[end:]
			continue
		}
		b.WriteString(s[:i])
		b.WriteString("~")
		s = s[end:]
	}
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func (f *Filter) walkMap(in map[string]any, str func(string) string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSecretKey(k) {
			continue
		}
		out[k] = f.walk(v, str)
	}
	return out
}

func (f *Filter) walk(v any, str func(string) string) any {
	switch t := v.(type) {
	case string:
		return str(t)
	case map[string]any:
		return f.walkMap(t, str)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = f.walk(e, str)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = str(e)
		}
		return out
	default:
		return v
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
