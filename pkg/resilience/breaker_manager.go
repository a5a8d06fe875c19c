package resilience

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// BreakerManager owns the circuit breaker of every destination. Breakers are
// created on first use and live as long as the manager.
type BreakerManager struct {
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	opts      options

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerManager creates a manager. Per-destination overrides fall back
// field by field to defaults, and defaults to the built-in values.
func NewBreakerManager(defaults BreakerConfig, overrides map[string]BreakerConfig, opts ...Option) *BreakerManager {
	m := &BreakerManager{
		defaults:  defaults.Merge(DefaultBreakerConfig()),
		overrides: make(map[string]BreakerConfig, len(overrides)),
		opts:      buildOptions(opts),
		breakers:  make(map[string]*CircuitBreaker),
	}
	for name, cfg := range overrides {
		m.overrides[name] = cfg
	}
	return m
}

// Get returns the breaker for a destination, creating it if needed.
func (m *BreakerManager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cb = NewCircuitBreaker(name, m.ConfigFor(name),
		WithBreakerClock(m.opts.now),
		WithStateChange(m.stateChanged),
	)
	m.breakers[name] = cb
	return cb
}

// ConfigFor returns the effective configuration of a destination.
func (m *BreakerManager) ConfigFor(name string) BreakerConfig {
	if cfg, ok := m.overrides[name]; ok {
		return cfg.Merge(m.defaults)
	}
	return m.defaults
}

func (m *BreakerManager) stateChanged(name string, from, to State) {
	logf := m.opts.logger.Info
	if to == StateOpen {
		logf = m.opts.logger.Warn
	}
	logf("circuit breaker state changed",
		zap.String("destination", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if m.opts.onChange != nil {
		m.opts.onChange(name, from, to)
	}
}

// Snapshots returns the state of every breaker, ordered by destination name.
func (m *BreakerManager) Snapshots() []BreakerSnapshot {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	snapshots := make([]BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		snapshots = append(snapshots, cb.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}
