package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ThrottleConfig caps the send rate of a destination. MaxPerSecond 0 means unlimited.
type ThrottleConfig struct {
	MaxPerSecond float64 `mapstructure:"max_per_second" json:"max_per_second,omitempty"`
	Burst        int     `mapstructure:"burst" json:"burst,omitempty"`
}

// Throttle holds one token bucket per rate limited destination.
type Throttle struct {
	defaults  ThrottleConfig
	overrides map[string]ThrottleConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a throttle. Overrides replace the defaults for a destination.
func NewThrottle(defaults ThrottleConfig, overrides map[string]ThrottleConfig) *Throttle {
	t := &Throttle{
		defaults:  defaults,
		overrides: make(map[string]ThrottleConfig, len(overrides)),
		limiters:  make(map[string]*rate.Limiter),
	}
	for name, cfg := range overrides {
		t.overrides[name] = cfg
	}
	return t
}

// Limiter returns the limiter of a destination, or nil when it is unlimited.
func (t *Throttle) Limiter(name string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[name]; ok {
		return l
	}

	cfg, ok := t.overrides[name]
	if !ok {
		cfg = t.defaults
	}

	var l *rate.Limiter
	if cfg.MaxPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), burst)
	}
	t.limiters[name] = l
	return l
}

// Wait blocks until the destination may send or ctx is done.
func (t *Throttle) Wait(ctx context.Context, name string) error {
	if t == nil {
		return nil
	}
	l := t.Limiter(name)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
