package delivery

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wayneeseguin/omnirelay/internal/metrics"
	"github.com/wayneeseguin/omnirelay/pkg/backends"
	"github.com/wayneeseguin/omnirelay/pkg/config"
	"github.com/wayneeseguin/omnirelay/pkg/dlq"
	"github.com/wayneeseguin/omnirelay/pkg/features"
	"github.com/wayneeseguin/omnirelay/pkg/formatters"
	"github.com/wayneeseguin/omnirelay/pkg/resilience"
	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Pipeline owns a fully wired relay: admission, orchestrator, guard, dead
// letter queue, and redeliverer.
type Pipeline struct {
	cfg          *config.Config
	orchestrator *Orchestrator
	guard        *resilience.Guard
	queue        *dlq.Queue
	redeliverer  *dlq.Redeliverer
	sampler      *features.SamplingManager
	filter       *features.FilterManager
	metrics      *metrics.Collector
	logger       *zap.Logger

	// resources opened from the configuration
	closers []io.Closer
}

type pipelineOptions struct {
	logger       *zap.Logger
	metrics      *metrics.Collector
	destinations []types.Destination
	brokerName   string
	broker       types.BrokerProducer
	store        dlq.Store
	resilience   []resilience.Option
}

// PipelineOption configures NewPipeline.
type PipelineOption func(*pipelineOptions)

// WithPipelineLogger sets the diagnostic logger of every component.
func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(o *pipelineOptions) { o.logger = logger }
}

// WithPipelineMetrics sets the metrics collector.
func WithPipelineMetrics(c *metrics.Collector) PipelineOption {
	return func(o *pipelineOptions) { o.metrics = c }
}

// WithDestinations registers destinations in addition to the configured ones.
// The pipeline does not close them.
func WithDestinations(dests ...types.Destination) PipelineOption {
	return func(o *pipelineOptions) { o.destinations = append(o.destinations, dests...) }
}

// WithBrokerProducer uses producer instead of the configured broker.
func WithBrokerProducer(name string, producer types.BrokerProducer) PipelineOption {
	return func(o *pipelineOptions) {
		o.brokerName = name
		o.broker = producer
	}
}

// WithStore uses store for dead letters instead of the configured backend.
func WithStore(store dlq.Store) PipelineOption {
	return func(o *pipelineOptions) { o.store = store }
}

// WithResilienceOptions passes options to the breaker and retry registries,
// such as a fake clock or timer in tests.
func WithResilienceOptions(opts ...resilience.Option) PipelineOption {
	return func(o *pipelineOptions) { o.resilience = append(o.resilience, opts...) }
}

// NewPipeline builds every component from cfg. A nil cfg uses the defaults.
func NewPipeline(ctx context.Context, cfg *config.Config, opts ...PipelineOption) (p *Pipeline, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg = cfg.Clone()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := pipelineOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector()
	}

	p = &Pipeline{cfg: cfg, metrics: o.metrics, logger: o.logger}
	defer func() {
		if err != nil {
			p.closeResources()
		}
	}()

	resOpts := append([]resilience.Option{
		resilience.WithLogger(o.logger),
		resilience.WithBreakerStateChange(func(name string, _, to resilience.State) {
			o.metrics.TrackBreakerTransition(name, to.String())
		}),
	}, o.resilience...)

	breakers := resilience.NewBreakerManager(cfg.CircuitBreaker, cfg.CircuitBreakers, resOpts...)
	retries, err := resilience.NewRetryManager(cfg.Retry, cfg.Retries, resOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "retry policies")
	}
	p.guard = resilience.NewGuard(breakers, retries, resilience.NewThrottle(cfg.Throttle, cfg.Throttles))

	if p.filter, err = features.NewFilterManager(cfg.Filter); err != nil {
		return nil, errors.Wrap(err, "filter")
	}
	if p.sampler, err = features.NewSamplingManager(cfg.Sampling); err != nil {
		return nil, errors.Wrap(err, "sampling")
	}
	redactor, err := features.NewRedactor(cfg.Redaction)
	if err != nil {
		return nil, errors.Wrap(err, "redaction")
	}
	serializer, err := formatters.Create(cfg.Format, formatters.DefaultFormatOptions())
	if err != nil {
		return nil, errors.Wrap(err, "format")
	}

	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, dc := range cfg.Destinations {
		dest, err := backends.New(dc.Name, dc.URI)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, dest)
		dest.SetEnabled(dc.IsEnabled())
		if err := registry.Add(dest); err != nil {
			return nil, err
		}
	}
	for _, dest := range o.destinations {
		if err := registry.Add(dest); err != nil {
			return nil, err
		}
	}

	if o.broker == nil && cfg.Broker != nil {
		natsCfg, err := backends.ParseNATSURI(strings.TrimRight(cfg.Broker.URL, "/") + "/" + cfg.Broker.Subject)
		if err != nil {
			return nil, errors.Wrap(err, "broker")
		}
		producer, err := backends.NewNATSProducer(natsCfg, o.logger)
		if err != nil {
			return nil, errors.Wrap(err, "broker")
		}
		p.closers = append(p.closers, producer)
		o.broker, o.brokerName = producer, cfg.Broker.Name
	}
	if o.brokerName == "" {
		o.brokerName = "broker"
	}

	store := o.store
	if store == nil {
		if store, err = dlq.OpenStore(cfg.DeadLetter); err != nil {
			return nil, errors.Wrap(err, "dead letter store")
		}
	}
	p.queue = dlq.NewQueue(ctx, store, dlq.WithQueueLogger(o.logger), dlq.WithQueueMetrics(o.metrics))

	p.orchestrator, err = NewOrchestrator(registry, p.guard,
		WithFilter(p.filter),
		WithAdmitter(p.sampler),
		WithSanitizer(redactor),
		WithSerializer(serializer),
		WithBroker(o.brokerName, o.broker),
		WithDeadLetterQueue(p.queue),
		WithLogger(o.logger),
		WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	p.redeliverer = dlq.NewRedeliverer(p.queue, p.orchestrator, p.guard, cfg.DeadLetter,
		dlq.WithRedelivererLogger(o.logger),
		dlq.WithRedelivererMetrics(o.metrics))
	return p, nil
}

// Start launches background redelivery when AutoRetry is on.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.cfg.DeadLetter.AutoRetryEnabled() {
		return nil
	}
	return p.redeliverer.Start(ctx)
}

// Close stops redelivery, closes the dead letter store, and closes the
// destinations and broker the pipeline opened itself.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []string
	if err := p.redeliverer.Stop(ctx); err != nil {
		errs = append(errs, err.Error())
	}
	if err := p.queue.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := p.closeResources(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.Errorf("close pipeline: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *Pipeline) closeResources() error {
	var errs []string
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	p.closers = nil
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Deliver delivers one entry. See Orchestrator.Deliver.
func (p *Pipeline) Deliver(entry *types.LogEntry) { p.orchestrator.Deliver(entry) }

// Execute delivers one entry. See Orchestrator.Execute.
func (p *Pipeline) Execute(ctx context.Context, entry *types.LogEntry) error {
	return p.orchestrator.Execute(ctx, entry)
}

// Orchestrator returns the orchestrator.
func (p *Pipeline) Orchestrator() *Orchestrator { return p.orchestrator }

// Queue returns the dead letter queue.
func (p *Pipeline) Queue() *dlq.Queue { return p.queue }

// Redeliverer returns the background redeliverer.
func (p *Pipeline) Redeliverer() *dlq.Redeliverer { return p.redeliverer }

// Sampler returns the sampler, for changing rates at runtime.
func (p *Pipeline) Sampler() *features.SamplingManager { return p.sampler }

// Filter returns the admission filter, for adding custom filters.
func (p *Pipeline) Filter() *features.FilterManager { return p.filter }

// Metrics returns the metrics collector.
func (p *Pipeline) Metrics() *metrics.Collector { return p.metrics }

// DestinationHealth is the state of one destination.
type DestinationHealth struct {
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	BreakerState string `json:"breaker_state"`
}

// Health is a point in time view of the pipeline.
type Health struct {
	Destinations    []DestinationHealth          `json:"destinations"`
	Breakers        []resilience.BreakerSnapshot `json:"breakers"`
	DeadLetterDepth int                          `json:"dead_letter_depth"`
	Redelivering    bool                         `json:"redelivering"`
}

// Health reports breaker states and the dead letter depth.
func (p *Pipeline) Health(ctx context.Context) Health {
	breakers := p.guard.Breakers()
	h := Health{
		Breakers:     breakers.Snapshots(),
		Redelivering: p.redeliverer.Running(),
	}
	if n, err := p.queue.Len(ctx); err == nil {
		h.DeadLetterDepth = n
	} else {
		h.DeadLetterDepth = p.queue.Depth()
	}

	states := make(map[string]string, len(h.Breakers))
	for _, s := range h.Breakers {
		states[s.Name] = s.State
	}
	for _, d := range p.orchestrator.Registry().All() {
		state, ok := states[d.Name()]
		if !ok {
			state = resilience.StateClosed.String()
		}
		h.Destinations = append(h.Destinations, DestinationHealth{
			Name:         d.Name(),
			Enabled:      d.IsEnabled(),
			BreakerState: state,
		})
	}
	return h
}
