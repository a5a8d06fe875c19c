package resilience

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Closed"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold  = 5
	DefaultOpenTimeout       = 60 * time.Second
	DefaultHalfOpenTestCount = 3
)

// BreakerConfig configures a circuit breaker. Zero fields take the defaults.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold" json:"failure_threshold,omitempty"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout" json:"open_timeout,omitempty"`
	HalfOpenTestCount int           `mapstructure:"half_open_test_count" json:"half_open_test_count,omitempty"`
}

// DefaultBreakerConfig returns the system wide breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  DefaultFailureThreshold,
		OpenTimeout:       DefaultOpenTimeout,
		HalfOpenTestCount: DefaultHalfOpenTestCount,
	}
}

// Merge returns c with every zero field taken from fallback.
func (c BreakerConfig) Merge(fallback BreakerConfig) BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = fallback.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = fallback.OpenTimeout
	}
	if c.HalfOpenTestCount <= 0 {
		c.HalfOpenTestCount = fallback.HalfOpenTestCount
	}
	return c
}

// BreakerSnapshot is a point in time view of a breaker.
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// StateChangeFunc is called after every transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker isolates a failing destination. While HalfOpen exactly one
// probe is in flight at a time; other callers are rejected as if Open.
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	probeInFlight bool
	pending       []stateChange
}

// BreakerOption customises a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the time source used for the Open timeout.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// NewCircuitBreaker creates a Closed breaker. Zero config fields take the defaults.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name: name,
		cfg:  cfg.Merge(DefaultBreakerConfig()),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the destination name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() BreakerConfig { return cb.cfg }

// Execute runs action unless the breaker is open. The outcome of action is
// recorded. A rejected call returns an error wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(action func() error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	if err := cb.run(action); err != nil {
		cb.recordFailure(probe)
		return err
	}
	cb.recordSuccess(probe)
	return nil
}

func (cb *CircuitBreaker) run(action func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in guarded call: %v", r)
		}
	}()
	return action()
}

// acquire decides whether a call may proceed and whether it is the HalfOpen probe.
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			cb.mu.Unlock()
			return false, errors.Wrap(ErrCircuitOpen, cb.name)
		}
		cb.transition(StateHalfOpen)
	}

	// HalfOpen
	if cb.probeInFlight {
		cb.flush()
		return false, errors.Wrapf(ErrCircuitOpen, "%s: probe in flight", cb.name)
	}
	cb.probeInFlight = true
	cb.flush()
	return true, nil
}

// RecordFailure applies a failure observed outside Execute.
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordFailure(false)
}

// RecordSuccess applies a success observed outside Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.recordSuccess(false)
}

func (cb *CircuitBreaker) recordFailure(probe bool) {
	cb.mu.Lock()
	if probe {
		cb.probeInFlight = false
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
	cb.flush()
}

func (cb *CircuitBreaker) recordSuccess(probe bool) {
	cb.mu.Lock()
	if probe {
		cb.probeInFlight = false
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if probe {
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenTestCount {
				cb.failures = 0
				cb.successes = 0
				cb.transition(StateClosed)
			}
		}
	}
	cb.flush()
}

// open must be called with mu held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.transition(StateOpen)
}

type stateChange struct{ from, to State }

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.onChange != nil {
		cb.pending = append(cb.pending, stateChange{from: from, to: to})
	}
}

// flush releases mu and reports queued transitions.
func (cb *CircuitBreaker) flush() {
	pending := cb.pending
	cb.pending = nil
	onChange := cb.onChange
	cb.mu.Unlock()

	for _, t := range pending {
		onChange(cb.name, t.from, t.to)
	}
}

// State returns the current state without applying the Open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a point in time view of the breaker.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		HalfOpenSuccesses:   cb.successes,
		OpenedAt:            cb.openedAt,
	}
}

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.successes = 0
	cb.probeInFlight = false
	cb.transition(StateClosed)
	cb.flush()
}
