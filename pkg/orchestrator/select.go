package orchestrator

import (
	"context"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/resilience"
)

// Selection reasons.
const (
	ReasonRulesOnly  = "rules_only"
	ReasonPrivacy    = "privacy"
	ReasonCapability = "capability"
	ReasonActive     = "active"
	ReasonFallback   = "fallback"
	ReasonBaseline   = "baseline"
)

// SelectBrain returns the provider that should handle rc.
func (o *Orchestrator) SelectBrain(ctx context.Context, rc RequestContext) (brain.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeTimeout, "selection cancelled", err)
	}
	e, _ := o.selectEntry(ctx, rc)
	return e.p, nil
}

type snapshot struct {
	rulesOnly  bool
	autoSelect bool
	active     *entry
	fallback   *entry
	chain      []*entry
}

func (o *Orchestrator) snapshot() snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return snapshot{
		rulesOnly:  o.rulesOnly,
		autoSelect: o.autoSelect,
		active:     o.entries[o.active],
		fallback:   o.entries[o.fallback],
		chain:      o.chainLocked(),
	}
}

func (o *Orchestrator) selectEntry(ctx context.Context, rc RequestContext) (*entry, string) {
	s := o.snapshot()
	if s.rulesOnly {
		return o.baseline, ReasonRulesOnly
	}

	if s.autoSelect {
		if rc.Sensitive || rc.RequiresPrivacy {
			for _, e := range s.chain {
				if e.p.PrivacyLevel() == brain.PrivacyLocal && o.available(ctx, e) {
					return e, ReasonPrivacy
				}
			}
		}
		if rc.RequiredCapability != "" {
			for _, e := range s.chain {
				if e.p.Capabilities().Has(rc.RequiredCapability) && o.available(ctx, e) {
					return e, ReasonCapability
				}
			}
		}
	}

	if s.active != nil && o.available(ctx, s.active) {
		return s.active, ReasonActive
	}
	if s.fallback != nil && s.fallback != s.active && o.available(ctx, s.fallback) {
		return s.fallback, ReasonFallback
	}
	return o.baseline, ReasonBaseline
}

// available reports whether e may be used: its breaker is not open and its
// cached health is available.
func (o *Orchestrator) available(ctx context.Context, e *entry) bool {
	if e == o.baseline {
		return true
	}
	if !e.breaker.Allow() {
		return false
	}
	return o.health(ctx, e).Available()
}

// health reads the cached health, bounding a fresh check by healthTimeout.
func (o *Orchestrator) health(ctx context.Context, e *entry) brain.Health {
	if h, ok := e.health.Peek(); ok {
		return h
	}
	h, err := resilience.WithTimeout(ctx, o.healthTimeout, func(ctx context.Context) (brain.Health, error) {
		return e.health.Refresh(ctx), nil
	})
	if err != nil {
		h = brain.Health{
			Status:    brain.StatusUnreachable,
			Message:   "health check timed out",
			CheckedAt: o.now(),
		}
		e.health.Set(h)
	}
	o.metrics.ProviderHealth(ctx, e.cfg.ID, string(h.Status))
	if !h.Available() {
		o.logger.Debug("provider unavailable", "provider", e.cfg.ID, "status", h.Status, "message", h.Message)
	}
	return h
}
