package brain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/avva/pkg/intent"
)

// RulesID is the id of the deterministic baseline provider.
const RulesID = "rules"

// Rules answers from the intent tables alone. It is always available and
// terminates every fallback chain.
type Rules struct {
	resolver *intent.Resolver
}

// NewRules creates the baseline provider. A nil resolver only produces
// canned replies.
func NewRules(resolver *intent.Resolver) *Rules {
	return &Rules{resolver: resolver}
}

func (r *Rules) ID() string                  { return RulesID }
func (r *Rules) Name() string                { return "Rules Engine" }
func (r *Rules) Kind() string                { return "local" }
func (r *Rules) Capabilities() CapabilitySet { return Caps(CapOffline) }
func (r *Rules) PrivacyLevel() PrivacyLevel  { return PrivacyLocal }

// HealthCheck always reports available.
func (r *Rules) HealthCheck(context.Context) Health {
	return Health{Status: StatusAvailable, Message: "Rules engine ready (no LLM required)", CheckedAt: time.Now()}
}

// Execute matches the prompt against the intent tables.
func (r *Rules) Execute(_ context.Context, req Request) Response {
	if r.resolver != nil {
		if m, ok := r.resolver.Match(req.Prompt); ok {
			args := make(map[string]any, len(m.Call.Args))
			order := make([]string, 0, len(m.Call.Args))
			for i, v := range m.Call.Values() {
				key := fmt.Sprintf("arg%d", i)
				args[key] = v
				order = append(order, key)
			}
			return Response{
				Success:         true,
				Content:         m.Call.String(),
				Confidence:      0.9,
				Intent:          m.Call.Name,
				Arguments:       args,
				ArgumentOrder:   order,
				NaturalResponse: "Matched intent: " + m.Call.Name,
				Provider:        RulesID,
			}
		}
	}
	return Response{
		Success:         true,
		NaturalResponse: cannedReply(req.Prompt),
		Provider:        RulesID,
	}
}

func cannedReply(prompt string) string {
	p := strings.ToLower(prompt)
	words := strings.FieldsFunc(p, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	})
	has := func(set ...string) bool {
		for _, w := range words {
			for _, s := range set {
				if w == s {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("hello", "hi", "hey"):
		return "Hello! I'm running in rules-only mode. I can help with basic tasks like telling time or launching apps."
	case has("help") || strings.Contains(p, "what can you do"):
		return "I'm in rules-only mode, so I can only handle specific commands. Try asking for the time, date, or to launch an application."
	case has("thank", "thanks"):
		return "You're welcome!"
	default:
		return "I couldn't find a direct match for that. I'm running in rules-only mode without LLM reasoning. Try a more specific command, or enable an AI provider."
	}
}

var _ Provider = (*Rules)(nil)
