package dlq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wayneeseguin/omnirelay/internal/metrics"
	"github.com/wayneeseguin/omnirelay/pkg/resilience"
	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Drop causes reported to metrics.
const (
	DropExpired            = "expired"
	DropMaxRetries         = "max_retries"
	DropUnknownDestination = "unknown_destination"
)

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("redeliverer already running")

// Resolver looks up a destination by name.
type Resolver interface {
	Resolve(name string) (types.Destination, bool)
}

// Sender delivers one entry to one destination through its retry policy and
// circuit breaker.
type Sender interface {
	Send(ctx context.Context, dest types.Destination, entry *types.LogEntry) error
}

// SweepResult summarizes one redelivery pass.
type SweepResult struct {
	Attempted   int
	Redelivered int
	Failed      int
	Expired     int
	Dropped     int
	Skipped     int
}

// Redeliverer periodically retries queued items against their destinations.
type Redeliverer struct {
	queue    *Queue
	resolver Resolver
	sender   Sender
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweeping sync.Mutex
}

// RedelivererOption configures a Redeliverer.
type RedelivererOption func(*Redeliverer)

// WithRedelivererLogger sets the logger.
func WithRedelivererLogger(logger *zap.Logger) RedelivererOption {
	return func(r *Redeliverer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRedelivererMetrics reports redeliveries and drops to c.
func WithRedelivererMetrics(c *metrics.Collector) RedelivererOption {
	return func(r *Redeliverer) { r.metrics = c }
}

// WithRedelivererClock overrides the clock used for age checks.
func WithRedelivererClock(now func() time.Time) RedelivererOption {
	return func(r *Redeliverer) { r.now = now }
}

// NewRedeliverer creates a redeliverer. Zero fields in cfg take defaults.
func NewRedeliverer(queue *Queue, resolver Resolver, sender Sender, cfg Config, opts ...RedelivererOption) *Redeliverer {
	cfg.SetDefaults()
	r := &Redeliverer{
		queue:    queue,
		resolver: resolver,
		sender:   sender,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background loop. It sweeps every RetryInterval until
// Stop is called or ctx is cancelled.
func (r *Redeliverer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(loopCtx, r.done)

	r.logger.Info("dead letter redelivery started",
		zap.Duration("interval", r.cfg.RetryInterval),
		zap.Int("concurrency", r.cfg.Concurrency))
	return nil
}

func (r *Redeliverer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Redeliver(ctx)
			if err != nil && ctx.Err() == nil {
				r.metrics.TrackError("dlq")
				r.logger.Error("dead letter sweep failed", zap.Error(err))
				continue
			}
			if res.Attempted > 0 || res.Expired > 0 || res.Dropped > 0 {
				r.logger.Info("dead letter sweep finished",
					zap.Int("attempted", res.Attempted),
					zap.Int("redelivered", res.Redelivered),
					zap.Int("failed", res.Failed),
					zap.Int("expired", res.Expired),
					zap.Int("dropped", res.Dropped))
			}
		}
	}
}

// Stop signals the loop and waits for the current sweep to return, or for
// ctx to expire. Items whose attempts were abandoned stay queued.
func (r *Redeliverer) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		r.logger.Info("dead letter redelivery stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for dead letter redelivery to stop")
	}
}

// Running reports whether the background loop is active.
func (r *Redeliverer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Redeliver runs one sweep over a snapshot of the queue. Delivery happens
// without holding any store lock; results are applied item by item.
func (r *Redeliverer) Redeliver(ctx context.Context) (SweepResult, error) {
	r.sweeping.Lock()
	defer r.sweeping.Unlock()

	var res SweepResult
	items, err := r.queue.Items(ctx)
	if err != nil {
		return res, errors.Wrap(err, "list dead letters")
	}

	var (
		attempted, redelivered, failed, dropped atomic.Int64
		g                                       errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)

	// Sends already started must finish before the sweep returns, even when
	// the store fails part way.
	var dropErr error
	now := r.now()
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		if item.Age(now) > r.cfg.ItemRetentionPeriod {
			if dropErr = r.drop(ctx, item, DropExpired); dropErr != nil {
				break
			}
			res.Expired++
			continue
		}

		dest, ok := r.resolver.Resolve(item.Destination)
		if !ok {
			if dropErr = r.drop(ctx, item, DropUnknownDestination); dropErr != nil {
				break
			}
			dropped.Add(1)
			continue
		}
		if !dest.IsEnabled() {
			res.Skipped++
			continue
		}

		item := item
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			attempted.Add(1)
			ok, gone, err := r.attempt(ctx, dest, item)
			switch {
			case ok:
				redelivered.Add(1)
			case gone:
				failed.Add(1)
				dropped.Add(1)
			default:
				failed.Add(1)
			}
			return err
		})
	}

	err = g.Wait()
	if dropErr != nil {
		if err != nil {
			err = errors.Wrap(dropErr, err.Error())
		} else {
			err = dropErr
		}
	}
	res.Attempted = int(attempted.Load())
	res.Redelivered = int(redelivered.Load())
	res.Failed = int(failed.Load())
	res.Dropped = int(dropped.Load())
	r.queue.refreshDepth(ctx)
	return res, err
}

// attempt sends one item. It reports whether delivery succeeded and whether
// a failed item was dropped for exceeding MaxRetriesPerItem.
func (r *Redeliverer) attempt(ctx context.Context, dest types.Destination, item *DeadLetterItem) (bool, bool, error) {
	sendErr := r.sender.Send(ctx, dest, item.DeliverableEntry())
	if sendErr == nil {
		r.metrics.TrackRedelivered(item.Destination)
		r.logger.Debug("dead letter redelivered",
			zap.String("id", item.ID),
			zap.String("destination", item.Destination),
			zap.Int("retry_count", item.RetryCount))
		return true, false, r.queue.store.Remove(ctx, item.ID)
	}
	if ctx.Err() != nil {
		// Abandoned at shutdown; leave the item as it was.
		return false, false, nil
	}

	now := r.now()
	item.RetryCount++
	item.Reason = resilience.ReasonOf(sendErr)
	item.ErrorDetail = sendErr.Error()
	item.LastAttemptAt = &now

	if item.RetryCount > r.cfg.MaxRetriesPerItem {
		return false, true, r.drop(ctx, item, DropMaxRetries)
	}

	err := r.queue.store.Update(ctx, item)
	if errors.Is(err, ErrItemNotFound) {
		// Evicted while we were sending.
		return false, false, nil
	}
	return false, false, err
}

func (r *Redeliverer) drop(ctx context.Context, item *DeadLetterItem, cause string) error {
	if err := r.queue.store.Remove(ctx, item.ID); err != nil {
		return errors.Wrapf(err, "drop dead letter %s", item.ID)
	}
	r.metrics.TrackDropped(cause)
	r.logger.Warn("dead letter dropped",
		zap.String("id", item.ID),
		zap.String("destination", item.Destination),
		zap.String("cause", cause),
		zap.String("reason", item.Reason),
		zap.Int("retry_count", item.RetryCount))
	return nil
}
