// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package intent resolves commands to call strings without contacting any
// reasoning provider. Two tiers run in order: static phrases (substring
// match, longest phrase first) and case-insensitive regular expressions
// whose capture groups are substituted into a call template.
package intent

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jllopis/avva/pkg/callstring"
)

// RegexPrefix marks a regex intent key in a manifest.
const RegexPrefix = "regex:"

// Tier identifies which matcher produced a result.
type Tier string

const (
	TierStatic Tier = "static"
	TierRegex  Tier = "regex"
)

// Match is a successful resolution.
type Match struct {
	Call     callstring.Call
	Tier     Tier
	Pattern  string
	Template string
	Source   string // plugin that registered the intent
}

type staticIntent struct {
	phrase   string
	template string
	source   string
}

type regexIntent struct {
	raw      string
	re       *regexp.Regexp
	template string
	call     callstring.Call // template with $n placeholders still in the values
	parseErr error
	source   string
}

// Resolver holds the shared intent tables. It is safe for concurrent use;
// registration is expected to be rare compared to Match.
type Resolver struct {
	mu      sync.RWMutex
	static  []staticIntent
	regexes []regexIntent
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddStatic registers a static phrase. Phrases are matched case-insensitively.
// Re-registering a phrase from the same source replaces its template. When
// several sources register the same phrase the earliest one matches, and
// RemoveSource only drops the entries of the source it names.
func (r *Resolver) AddStatic(phrase, template, source string) error {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return fmt.Errorf("empty static phrase")
	}
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("empty template for phrase %q", phrase)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.static {
		if r.static[i].phrase == phrase && r.static[i].source == source {
			r.static[i].template = template
			return nil
		}
	}
	r.static = append(r.static, staticIntent{phrase: phrase, template: template, source: source})
	sort.SliceStable(r.static, func(i, j int) bool {
		a, b := r.static[i].phrase, r.static[j].phrase
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return nil
}

// AddRegex registers a pattern. The "regex:" prefix is optional. Patterns are
// tried in registration order. The template is parsed once here; captures
// are later placed into its argument values verbatim, so they never need
// quoting.
func (r *Resolver) AddRegex(pattern, template, source string) error {
	raw := strings.TrimPrefix(pattern, RegexPrefix)
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("empty regex pattern")
	}
	re, err := regexp.Compile("(?i)" + raw)
	if err != nil {
		return fmt.Errorf("compile intent %q: %w", raw, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	call, perr := callstring.Parse(template)
	r.regexes = append(r.regexes, regexIntent{
		raw:      raw,
		re:       re,
		template: template,
		call:     call,
		parseErr: perr,
		source:   source,
	})
	return nil
}

// Add registers an intent, dispatching on the "regex:" prefix.
func (r *Resolver) Add(key, template, source string) error {
	if strings.HasPrefix(key, RegexPrefix) {
		return r.AddRegex(key, template, source)
	}
	return r.AddStatic(key, template, source)
}

// RemoveSource drops every intent registered by source.
func (r *Resolver) RemoveSource(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	static := r.static[:0]
	for _, s := range r.static {
		if s.source != source {
			static = append(static, s)
		}
	}
	r.static = static
	regexes := r.regexes[:0]
	for _, re := range r.regexes {
		if re.source != source {
			regexes = append(regexes, re)
		}
	}
	r.regexes = regexes
}

// Len returns the number of registered static and regex intents.
func (r *Resolver) Len() (static, regex int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.static), len(r.regexes)
}

// Match resolves command against the static tier, then the regex tier.
func (r *Resolver) Match(command string) (Match, bool) {
	text := strings.ToLower(strings.TrimSpace(command))
	if text == "" {
		return Match{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.static {
		if !strings.Contains(text, s.phrase) {
			continue
		}
		call, err := callstring.Parse(s.template)
		if err != nil {
			r.logger.Debug("static intent template does not parse",
				"phrase", s.phrase, "template", s.template, "error", err)
			continue
		}
		return Match{Call: call, Tier: TierStatic, Pattern: s.phrase, Template: s.template, Source: s.source}, true
	}

	for _, ri := range r.regexes {
		groups := ri.re.FindStringSubmatch(strings.TrimSpace(command))
		if groups == nil {
			continue
		}
		if ri.parseErr != nil {
			r.logger.Debug("regex intent template does not parse",
				"pattern", ri.raw, "template", ri.template, "error", ri.parseErr)
			continue
		}
		return Match{Call: expand(ri.call, groups[1:]), Tier: TierRegex, Pattern: ri.raw, Template: ri.template, Source: ri.source}, true
	}
	return Match{}, false
}

func expand(tmpl callstring.Call, groups []string) callstring.Call {
	call := callstring.Call{Name: tmpl.Name}
	if len(tmpl.Args) > 0 {
		call.Args = make([]callstring.Arg, len(tmpl.Args))
	}
	for i, a := range tmpl.Args {
		call.Args[i] = callstring.Arg{Value: Substitute(a.Value, groups), Quoted: a.Quoted}
	}
	return call
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Substitute replaces $1..$n in s with the trimmed groups in a single pass,
// so $10 is not read as $1 and inserted values are never expanded again.
// Placeholders without a matching group are left alone.
func Substitute(s string, groups []string) string {
	return placeholder.ReplaceAllStringFunc(s, func(ph string) string {
		n, err := strconv.Atoi(ph[1:])
		if err != nil || n < 1 || n > len(groups) {
			return ph
		}
		return strings.TrimSpace(groups[n-1])
	})
}
