package resilience

import (
	"context"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Guard composes the per-destination protections around a send:
// retry policy, then throttle, then circuit breaker, then the destination.
// The orchestrator and the dead letter redeliverer share one Guard so both
// see the same breaker state.
type Guard struct {
	breakers *BreakerManager
	retries  *RetryManager
	throttle *Throttle
}

// NewGuard creates a Guard. throttle may be nil.
func NewGuard(breakers *BreakerManager, retries *RetryManager, throttle *Throttle) *Guard {
	return &Guard{
		breakers: breakers,
		retries:  retries,
		throttle: throttle,
	}
}

// Breakers returns the breaker registry.
func (g *Guard) Breakers() *BreakerManager { return g.breakers }

// Send delivers entry to dest. A failure is a *DeliveryError.
func (g *Guard) Send(ctx context.Context, dest types.Destination, entry *types.LogEntry) error {
	name := dest.Name()

	policy, err := g.retries.Get(name)
	if err != nil {
		return &DeliveryError{Kind: KindTransient, Destination: name, Err: err}
	}
	breaker := g.breakers.Get(name)

	return policy.Execute(ctx, func() error {
		if err := g.throttle.Wait(ctx, name); err != nil {
			return err
		}
		return breaker.Execute(func() error {
			return dest.Send(entry)
		})
	})
}
