package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wayneeseguin/omnirelay/internal/metrics"
	"github.com/wayneeseguin/omnirelay/pkg/dlq"
	"github.com/wayneeseguin/omnirelay/pkg/formatters"
	"github.com/wayneeseguin/omnirelay/pkg/resilience"
	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Rejection gates reported to metrics.
const (
	GateFiltered = "filtered"
	GateSampled  = "sampled"
)

// ErrNilEntry is returned by Execute for a nil entry.
var ErrNilEntry = errors.New("nil log entry")

// Orchestrator admits an entry, serializes it once, and delivers it to every
// enabled destination concurrently. Destination failures never reach the
// caller; they end up in the dead letter queue.
type Orchestrator struct {
	registry   *Registry
	sender     dlq.Sender
	broker     types.Destination
	filter     types.Filter
	admitter   types.Admitter
	sanitizer  types.Sanitizer
	serializer types.Serializer
	queue      *dlq.Queue
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilter sets the admission filter.
func WithFilter(f types.Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// WithAdmitter sets the sampler / rate limiter.
func WithAdmitter(a types.Admitter) Option {
	return func(o *Orchestrator) { o.admitter = a }
}

// WithSanitizer sets the sanitizer applied before serialization.
func WithSanitizer(s types.Sanitizer) Option {
	return func(o *Orchestrator) { o.sanitizer = s }
}

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s types.Serializer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithBroker publishes every entry's payload to producer before the fan-out.
// Its breaker, retry policy, and dead letters use name.
func WithBroker(name string, producer types.BrokerProducer) Option {
	return func(o *Orchestrator) {
		if producer != nil {
			o.broker = NewBrokerDestination(name, producer)
		}
	}
}

// WithDeadLetterQueue sets where terminal failures go. Without a queue they
// are logged and counted only.
func WithDeadLetterQueue(q *dlq.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// NewOrchestrator creates an orchestrator sending through sender, normally
// a *resilience.Guard.
func NewOrchestrator(registry *Registry, sender dlq.Sender, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("delivery: nil registry")
	}
	if sender == nil {
		return nil, errors.New("delivery: nil sender")
	}
	o := &Orchestrator{
		registry:   registry,
		sender:     sender,
		serializer: formatters.NewJSONFormatter(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Registry returns the destination registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Resolve finds a destination or the broker by name.
func (o *Orchestrator) Resolve(name string) (types.Destination, bool) {
	if o.broker != nil && o.broker.Name() == name {
		return o.broker, true
	}
	return o.registry.Get(name)
}

// Deliver runs Execute and logs any internal defect.
func (o *Orchestrator) Deliver(entry *types.LogEntry) {
	if err := o.Execute(context.Background(), entry); err != nil {
		o.logger.Error("log entry delivery failed", zap.Error(err))
	}
}

// Execute delivers entry and waits until every destination has either
// accepted it or had it dead-lettered. Only internal defects are returned:
// a panic in a collaborator or a serializer failure.
func (o *Orchestrator) Execute(ctx context.Context, entry *types.LogEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.TrackError("panic")
			err = errors.Errorf("delivery panic: %v", r)
		}
	}()

	if entry == nil {
		return ErrNilEntry
	}

	if o.filter != nil && !o.filter.ShouldLog(entry) {
		o.metrics.TrackRejected(GateFiltered)
		return nil
	}
	if o.admitter != nil && !o.admitter.ShouldAdmit(entry) {
		o.metrics.TrackRejected(GateSampled)
		return nil
	}
	o.metrics.TrackAdmitted(entry.Level.String())

	dests := o.registry.Enabled()
	useBroker := o.broker != nil && o.broker.IsEnabled()
	if len(dests) == 0 && !useBroker {
		return nil
	}

	if o.sanitizer != nil {
		entry = o.sanitizer.Sanitize(entry)
	}
	// Payload is set on a copy so the caller's entry is left alone.
	shared := *entry
	payload, err := o.serializer.Serialize(&shared)
	if err != nil {
		o.metrics.TrackError("serializer")
		return errors.Wrap(err, "serialize log entry")
	}
	shared.Payload = payload

	// The broker is one more concurrent send so its retries never delay the
	// destinations.
	if useBroker {
		dests = append([]types.Destination{o.broker}, dests...)
	}

	var wg sync.WaitGroup
	for _, dest := range dests {
		wg.Add(1)
		go func(dest types.Destination) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.metrics.TrackError("panic")
					o.logger.Error("destination panicked",
						zap.String("destination", dest.Name()),
						zap.String("panic", fmt.Sprint(r)))
				}
			}()
			o.send(ctx, dest, &shared)
		}(dest)
	}
	wg.Wait()
	return nil
}

// send delivers to one destination and dead-letters a terminal failure.
func (o *Orchestrator) send(ctx context.Context, dest types.Destination, entry *types.LogEntry) {
	name := dest.Name()
	start := time.Now()

	sendErr := o.sender.Send(ctx, dest, entry)
	if sendErr == nil {
		o.metrics.TrackDelivered(name, time.Since(start))
		return
	}

	reason := resilience.ReasonOf(sendErr)
	o.metrics.TrackFailed(name)
	o.logger.Warn("destination delivery failed",
		zap.String("destination", name),
		zap.String("reason", reason),
		zap.Error(sendErr))

	if o.queue == nil {
		return
	}
	// Enqueue even when the caller's context is already done.
	if err := o.queue.Enqueue(context.WithoutCancel(ctx), entry, name, reason, sendErr); err != nil {
		o.metrics.TrackError("dlq")
		o.logger.Error("dead letter enqueue failed",
			zap.String("destination", name),
			zap.Error(err))
	}
}
