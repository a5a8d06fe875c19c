package resilience

import (
	"sync"

	"go.uber.org/zap"
)

// RetryManager owns the retry policy of every destination.
type RetryManager struct {
	defaults  RetryConfig
	overrides map[string]RetryConfig
	opts      []Option
	logger    *zap.Logger

	mu       sync.RWMutex
	policies map[string]*RetryPolicy
}

// NewRetryManager validates the defaults and every override up front so that
// a bad configuration fails at startup rather than on first delivery.
func NewRetryManager(defaults RetryConfig, overrides map[string]RetryConfig, opts ...Option) (*RetryManager, error) {
	m := &RetryManager{
		defaults:  defaults.Merge(DefaultRetryConfig()),
		overrides: make(map[string]RetryConfig, len(overrides)),
		opts:      opts,
		logger:    buildOptions(opts).logger,
		policies:  make(map[string]*RetryPolicy),
	}
	if err := m.defaults.Validate(); err != nil {
		return nil, err
	}
	for name, cfg := range overrides {
		m.overrides[name] = cfg
		if _, err := m.Get(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ConfigFor returns the effective configuration of a destination.
func (m *RetryManager) ConfigFor(name string) RetryConfig {
	if cfg, ok := m.overrides[name]; ok {
		return cfg.Merge(m.defaults)
	}
	return m.defaults
}

// Get returns the policy for a destination, creating it if needed.
func (m *RetryManager) Get(name string) (*RetryPolicy, error) {
	m.mu.RLock()
	p, ok := m.policies[name]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[name]; ok {
		return p, nil
	}

	p, err := NewRetryPolicy(name, m.ConfigFor(name), m.opts...)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("retry policy created",
		zap.String("destination", name),
		zap.String("strategy", string(p.cfg.Strategy)),
		zap.Int("max_retries", p.cfg.MaxRetries),
	)
	m.policies[name] = p
	return p, nil
}
