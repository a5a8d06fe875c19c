package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type options struct {
	logger   *zap.Logger
	now      func() time.Time
	onChange StateChangeFunc
	random   func() float64
	timer    func() backoff.Timer
}

// Option configures the breaker and retry managers and the Guard.
type Option func(*options)

func buildOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces the breaker time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithBreakerStateChange adds a callback run on every breaker transition.
func WithBreakerStateChange(fn StateChangeFunc) Option {
	return func(o *options) {
		o.onChange = fn
	}
}

// WithJitterSource replaces the uniform [0,1) source used for jitter.
func WithJitterSource(random func() float64) Option {
	return func(o *options) {
		o.random = random
	}
}

// WithTimer replaces the timer used to wait between retry attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(o *options) {
		o.timer = newTimer
	}
}
