package dlq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wayneeseguin/omnirelay/internal/metrics"
	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Queue is the bounded dead letter queue in front of a Store.
type Queue struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// depth caches the last known length so metrics scrapes never hit the store.
	depth  atomic.Int64
	closed atomic.Bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used for enqueue and eviction events.
func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithQueueMetrics reports enqueues, evictions, and depth to c.
func WithQueueMetrics(c *metrics.Collector) QueueOption {
	return func(q *Queue) { q.metrics = c }
}

// WithQueueClock overrides the clock used to stamp items.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue wraps store. The store's current length is read once to seed the
// depth gauge.
func NewQueue(ctx context.Context, store Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if n, err := store.Len(ctx); err == nil {
		q.depth.Store(int64(n))
	}
	q.metrics.SetDepthFunc(q.Depth)
	return q
}

// Enqueue records that entry could not be delivered to destination. When the
// queue is full the oldest items are evicted; Enqueue never blocks on room.
func (q *Queue) Enqueue(ctx context.Context, entry *types.LogEntry, destination, reason string, cause error) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if entry == nil {
		return errors.New("nil log entry")
	}

	item := NewDeadLetterItem(entry, destination, reason, cause, q.now())
	evicted, err := q.store.Push(ctx, item)
	if err != nil {
		q.metrics.TrackError("dlq")
		return errors.Wrapf(err, "enqueue dead letter for %s", destination)
	}

	q.metrics.TrackDeadLettered(reason)
	if evicted > 0 {
		q.metrics.TrackEvicted(evicted)
		q.logger.Warn("dead letter queue full, evicted oldest items",
			zap.Int("evicted", evicted),
			zap.String("destination", destination))
	}
	q.logger.Debug("entry dead-lettered",
		zap.String("id", item.ID),
		zap.String("destination", destination),
		zap.String("reason", reason),
		zap.Error(cause))
	q.refreshDepth(ctx)
	return nil
}

// Len returns the current number of items in the store.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Len(ctx)
	if err != nil {
		return 0, err
	}
	q.depth.Store(int64(n))
	return n, nil
}

// Depth returns the last observed queue length.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Items returns a snapshot of the queued items, oldest first.
func (q *Queue) Items(ctx context.Context) ([]*DeadLetterItem, error) {
	return q.store.List(ctx)
}

// Store returns the underlying store.
func (q *Queue) Store() Store {
	return q.store
}

// Close stops accepting items and closes the store.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.store.Close()
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.store.Len(ctx); err == nil {
		q.depth.Store(int64(n))
	}
}
