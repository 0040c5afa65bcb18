package orchestrator

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/avva/pkg/brain"
)

// ProviderHealth pairs a provider id with its health.
type ProviderHealth struct {
	ID     string       `json:"id"`
	Health brain.Health `json:"health"`
}

// HealthAll checks every provider concurrently. With refresh set the cache
// is bypassed; otherwise fresh cached values are reused. Results keep
// registration order with the baseline last.
func (o *Orchestrator) HealthAll(ctx context.Context, refresh bool) []ProviderHealth {
	o.mu.RLock()
	chain := o.chainLocked()
	o.mu.RUnlock()

	out := make([]ProviderHealth, len(chain))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, e := range chain {
		g.Go(func() error {
			if refresh {
				e.health.Invalidate()
			}
			out[i] = ProviderHealth{ID: e.cfg.ID, Health: o.health(ctx, e)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
