package resilience

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyNoRetry                    Strategy = "NoRetry"
	StrategyFixedDelay                 Strategy = "FixedDelay"
	StrategyExponentialBackoff         Strategy = "ExponentialBackoff"
	StrategyJitteredExponentialBackoff Strategy = "JitteredExponentialBackoff"
)

// ErrUnknownStrategy is returned when a strategy name is not recognised.
var ErrUnknownStrategy = errors.New("unknown retry strategy")

// ParseStrategy converts a strategy name, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{StrategyNoRetry, StrategyFixedDelay, StrategyExponentialBackoff, StrategyJitteredExponentialBackoff} {
		if strings.EqualFold(name, string(s)) {
			return s, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownStrategy, "%q", name)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = ""
		return nil
	}
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Retry defaults.
const (
	DefaultStrategy          = StrategyExponentialBackoff
	DefaultMaxRetries        = 3
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// RetryConfig configures a retry policy. Zero fields take the defaults; use
// StrategyNoRetry to disable retries.
type RetryConfig struct {
	Strategy          Strategy      `mapstructure:"strategy" json:"strategy,omitempty"`
	MaxRetries        int           `mapstructure:"max_retries" json:"max_retries,omitempty"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" json:"initial_delay,omitempty"`
	MaxDelay          time.Duration `mapstructure:"max_delay" json:"max_delay,omitempty"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" json:"backoff_multiplier,omitempty"`
	// Error categories that are never retried. See types.ErrorCategory.
	NonRetryableErrors []string `mapstructure:"non_retryable_errors" json:"non_retryable_errors,omitempty"`
}

// DefaultRetryConfig returns the system wide retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:           DefaultStrategy,
		MaxRetries:         DefaultMaxRetries,
		InitialDelay:       DefaultInitialDelay,
		MaxDelay:           DefaultMaxDelay,
		BackoffMultiplier:  DefaultBackoffMultiplier,
		NonRetryableErrors: []string{"HttpClientError"},
	}
}

// Merge returns c with every zero field taken from fallback.
func (c RetryConfig) Merge(fallback RetryConfig) RetryConfig {
	if c.Strategy == "" {
		c.Strategy = fallback.Strategy
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = fallback.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = fallback.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = fallback.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = fallback.BackoffMultiplier
	}
	if c.NonRetryableErrors == nil {
		c.NonRetryableErrors = fallback.NonRetryableErrors
	}
	return c
}

// Validate checks a merged configuration.
func (c RetryConfig) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.MaxDelay < c.InitialDelay {
		return errors.Errorf("max delay %s is shorter than initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	if c.BackoffMultiplier < 1 {
		return errors.Errorf("backoff multiplier %v must be at least 1", c.BackoffMultiplier)
	}
	return nil
}

// RetryPolicy runs an action until it succeeds, fails permanently, or the
// attempt budget of 1 + MaxRetries is spent. It keeps no state between calls.
type RetryPolicy struct {
	name         string
	cfg          RetryConfig
	nonRetryable map[string]struct{}
	random       func() float64
	timer        func() backoff.Timer
	logger       *zap.Logger
}

// NewRetryPolicy creates a policy for a destination. Zero config fields take the defaults.
func NewRetryPolicy(name string, cfg RetryConfig, opts ...Option) (*RetryPolicy, error) {
	cfg = cfg.Merge(DefaultRetryConfig())
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "retry policy %s", name)
	}

	o := buildOptions(opts)
	p := &RetryPolicy{
		name:         name,
		cfg:          cfg,
		nonRetryable: make(map[string]struct{}, len(cfg.NonRetryableErrors)),
		random:       o.random,
		timer:        o.timer,
		logger:       o.logger,
	}
	if p.random == nil {
		p.random = rand.Float64
	}
	for _, category := range cfg.NonRetryableErrors {
		p.nonRetryable[category] = struct{}{}
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *RetryPolicy) Config() RetryConfig { return p.cfg }

// IsRetryable reports whether err's category may be retried.
func (p *RetryPolicy) IsRetryable(err error) bool {
	_, ok := p.nonRetryable[types.ErrorCategory(err)]
	return !ok
}

// Execute runs action with retries. A failure is returned as a *DeliveryError
// whose Kind tells why the policy gave up. Cancelling ctx stops waiting
// between attempts.
func (p *RetryPolicy) Execute(ctx context.Context, action func() error) error {
	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		err := action()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) || !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Debug("retrying delivery",
			zap.String("destination", p.name),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	var timer backoff.Timer
	if p.timer != nil {
		timer = p.timer()
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.newBackOff(), ctx), notify, timer)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}

	kind := KindRetryExhausted
	switch {
	case errors.Is(lastErr, ErrCircuitOpen):
		kind = KindCircuitOpen
	case !p.IsRetryable(lastErr):
		kind = KindNonRetryable
	case ctx.Err() != nil:
		kind = KindTransient
	}

	return &DeliveryError{
		Kind:        kind,
		Destination: p.name,
		Attempts:    attempts,
		Err:         lastErr,
	}
}

// newBackOff builds a fresh delay sequence for one Execute call.
func (p *RetryPolicy) newBackOff() backoff.BackOff {
	var b backoff.BackOff

	switch p.cfg.Strategy {
	case StrategyNoRetry:
		return &backoff.StopBackOff{}
	case StrategyFixedDelay:
		b = backoff.NewConstantBackOff(p.cfg.InitialDelay)
	default:
		exp := &backoff.ExponentialBackOff{
			InitialInterval:     p.cfg.InitialDelay,
			RandomizationFactor: 0,
			Multiplier:          p.cfg.BackoffMultiplier,
			MaxInterval:         p.cfg.MaxDelay,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		exp.Reset()
		b = exp
		if p.cfg.Strategy == StrategyJitteredExponentialBackoff {
			b = &jitterBackOff{BackOff: b, random: p.random}
		}
	}

	return backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries))
}

// jitterBackOff scales each delay by a uniform factor in [0.5, 1.0].
type jitterBackOff struct {
	backoff.BackOff
	random func() float64
}

func (j *jitterBackOff) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return time.Duration(float64(d) * (0.5 + 0.5*j.random()))
}
