package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "omnirelay"

// counterSet is a set of named atomic counters.
type counterSet struct {
	m sync.Map // map[string]*atomic.Uint64
}

func (s *counterSet) add(key string, n uint64) {
	val, ok := s.m.Load(key)
	if !ok {
		val, _ = s.m.LoadOrStore(key, &atomic.Uint64{})
	}
	val.(*atomic.Uint64).Add(n)
}

func (s *counterSet) get(key string) uint64 {
	if val, ok := s.m.Load(key); ok {
		return val.(*atomic.Uint64).Load()
	}
	return 0
}

func (s *counterSet) snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	s.m.Range(func(key, value interface{}) bool {
		if count := value.(*atomic.Uint64).Load(); count > 0 {
			out[key.(string)] = count
		}
		return true
	})
	return out
}

func (s *counterSet) reset() {
	s.m.Range(func(_, value interface{}) bool {
		value.(*atomic.Uint64).Store(0)
		return true
	})
}

// Collector handles metrics collection for the delivery pipeline. All methods
// are safe on a nil Collector, so components may run without metrics.
// It also implements prometheus.Collector.
type Collector struct {
	// Admission
	admittedByLevel counterSet
	rejectedByGate  counterSet // filtered, sampled

	// Delivery, keyed by destination
	delivered     counterSet
	failed        counterSet
	deadLettered  counterSet // keyed by reason
	redelivered   counterSet
	droppedByWhy  counterSet // expired, max_retries, unknown_destination
	breakerStates counterSet // keyed by "destination:state"

	evicted uint64

	// Error metrics
	errorCount     uint64
	errorsBySource counterSet

	// Performance metrics
	sendCount     uint64
	totalSendTime int64 // nanoseconds
	maxSendTime   int64 // nanoseconds

	depth func() int

	descs map[string]*prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		descs: map[string]*prometheus.Desc{
			"admitted":      newDesc("entries_admitted_total", "Entries admitted into the pipeline", "level"),
			"rejected":      newDesc("entries_rejected_total", "Entries rejected by the filter or sampler", "gate"),
			"delivered":     newDesc("deliveries_total", "Successful destination sends", "destination"),
			"failed":        newDesc("delivery_failures_total", "Destination sends that failed terminally", "destination"),
			"dead_lettered": newDesc("dead_letters_total", "Entries enqueued to the dead letter queue", "reason"),
			"redelivered":   newDesc("redeliveries_total", "Dead letter items delivered by the redeliverer", "destination"),
			"dropped":       newDesc("dead_letters_dropped_total", "Dead letter items dropped without delivery", "cause"),
			"transitions":   newDesc("breaker_transitions_total", "Circuit breaker state transitions", "destination", "state"),
			"errors":        newDesc("errors_total", "Internal pipeline errors", "source"),
			"evicted":       newDesc("dead_letters_evicted_total", "Dead letter items evicted because the queue was full"),
			"depth":         newDesc("dead_letter_depth", "Items currently held in the dead letter queue"),
			"send_seconds":  newDesc("send_duration_seconds_max", "Longest successful destination send"),
		},
	}
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// Metrics contains runtime metrics for the pipeline.
type Metrics struct {
	EntriesAdmitted map[string]uint64 `json:"entries_admitted"`
	EntriesRejected map[string]uint64 `json:"entries_rejected"`

	Delivered          map[string]uint64 `json:"delivered"`
	Failed             map[string]uint64 `json:"failed"`
	DeadLettered       map[string]uint64 `json:"dead_lettered"`
	Redelivered        map[string]uint64 `json:"redelivered"`
	DeadLettersDropped map[string]uint64 `json:"dead_letters_dropped"`
	DeadLettersEvicted uint64            `json:"dead_letters_evicted"`
	DeadLetterDepth    int               `json:"dead_letter_depth"`
	BreakerTransitions map[string]uint64 `json:"breaker_transitions"`

	// Error metrics
	ErrorCount     uint64            `json:"error_count"`
	ErrorsBySource map[string]uint64 `json:"errors_by_source"`

	// Performance metrics
	AverageSendTime time.Duration `json:"average_send_time"`
	MaxSendTime     time.Duration `json:"max_send_time"`
}

// SetDepthFunc registers the function reporting the dead letter queue depth.
func (c *Collector) SetDepthFunc(depth func() int) {
	if c == nil {
		return
	}
	c.depth = depth
}

// TrackAdmitted counts an entry that passed admission.
func (c *Collector) TrackAdmitted(level string) {
	if c == nil {
		return
	}
	c.admittedByLevel.add(level, 1)
}

// TrackRejected counts an entry rejected by a gate ("filtered" or "sampled").
func (c *Collector) TrackRejected(gate string) {
	if c == nil {
		return
	}
	c.rejectedByGate.add(gate, 1)
}

// TrackDelivered records a successful send.
func (c *Collector) TrackDelivered(destination string, duration time.Duration) {
	if c == nil {
		return
	}
	c.delivered.add(destination, 1)
	atomic.AddUint64(&c.sendCount, 1)
	atomic.AddInt64(&c.totalSendTime, int64(duration))

	// Update max send time
	for {
		oldMax := atomic.LoadInt64(&c.maxSendTime)
		if int64(duration) <= oldMax {
			break
		}
		if atomic.CompareAndSwapInt64(&c.maxSendTime, oldMax, int64(duration)) {
			break
		}
	}
}

// TrackFailed records a terminal send failure.
func (c *Collector) TrackFailed(destination string) {
	if c == nil {
		return
	}
	c.failed.add(destination, 1)
}

// TrackDeadLettered records an enqueue to the dead letter queue.
func (c *Collector) TrackDeadLettered(reason string) {
	if c == nil {
		return
	}
	c.deadLettered.add(reason, 1)
}

// TrackEvicted records items evicted from a full dead letter queue.
func (c *Collector) TrackEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&c.evicted, uint64(n))
}

// TrackRedelivered records a successful redelivery.
func (c *Collector) TrackRedelivered(destination string) {
	if c == nil {
		return
	}
	c.redelivered.add(destination, 1)
}

// TrackDropped records a dead letter item dropped for good.
func (c *Collector) TrackDropped(cause string) {
	if c == nil {
		return
	}
	c.droppedByWhy.add(cause, 1)
}

// TrackBreakerTransition records a circuit breaker entering state.
func (c *Collector) TrackBreakerTransition(destination, state string) {
	if c == nil {
		return
	}
	c.breakerStates.add(destination+":"+state, 1)
}

// TrackError increments the error counter and tracks by source.
func (c *Collector) TrackError(source string) {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.errorCount, 1)
	c.errorsBySource.add(source, 1)
}

// GetDeliveredCount returns the successful sends to a destination.
func (c *Collector) GetDeliveredCount(destination string) uint64 {
	if c == nil {
		return 0
	}
	return c.delivered.get(destination)
}

// GetDeadLetteredCount returns the enqueues recorded for a reason.
func (c *Collector) GetDeadLetteredCount(reason string) uint64 {
	if c == nil {
		return 0
	}
	return c.deadLettered.get(reason)
}

// GetErrorCount returns the total error count.
func (c *Collector) GetErrorCount() uint64 {
	if c == nil {
		return 0
	}
	return atomic.LoadUint64(&c.errorCount)
}

// GetMetrics returns current metrics snapshot.
func (c *Collector) GetMetrics() Metrics {
	if c == nil {
		return Metrics{}
	}

	metrics := Metrics{
		EntriesAdmitted:    c.admittedByLevel.snapshot(),
		EntriesRejected:    c.rejectedByGate.snapshot(),
		Delivered:          c.delivered.snapshot(),
		Failed:             c.failed.snapshot(),
		DeadLettered:       c.deadLettered.snapshot(),
		Redelivered:        c.redelivered.snapshot(),
		DeadLettersDropped: c.droppedByWhy.snapshot(),
		DeadLettersEvicted: atomic.LoadUint64(&c.evicted),
		BreakerTransitions: c.breakerStates.snapshot(),
		ErrorCount:         atomic.LoadUint64(&c.errorCount),
		ErrorsBySource:     c.errorsBySource.snapshot(),
		MaxSendTime:        time.Duration(atomic.LoadInt64(&c.maxSendTime)),
	}
	if c.depth != nil {
		metrics.DeadLetterDepth = c.depth()
	}

	sendCount := atomic.LoadUint64(&c.sendCount)
	if sendCount > 0 {
		metrics.AverageSendTime = time.Duration(atomic.LoadInt64(&c.totalSendTime)) / time.Duration(sendCount)
	}
	return metrics
}

// ResetMetrics resets all metrics counters.
func (c *Collector) ResetMetrics() {
	if c == nil {
		return
	}
	for _, s := range []*counterSet{
		&c.admittedByLevel, &c.rejectedByGate, &c.delivered, &c.failed,
		&c.deadLettered, &c.redelivered, &c.droppedByWhy, &c.breakerStates, &c.errorsBySource,
	} {
		s.reset()
	}
	atomic.StoreUint64(&c.evicted, 0)
	atomic.StoreUint64(&c.errorCount, 0)
	atomic.StoreUint64(&c.sendCount, 0)
	atomic.StoreInt64(&c.totalSendTime, 0)
	atomic.StoreInt64(&c.maxSendTime, 0)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counters := map[string]*counterSet{
		"admitted":      &c.admittedByLevel,
		"rejected":      &c.rejectedByGate,
		"delivered":     &c.delivered,
		"failed":        &c.failed,
		"dead_lettered": &c.deadLettered,
		"redelivered":   &c.redelivered,
		"dropped":       &c.droppedByWhy,
		"errors":        &c.errorsBySource,
	}
	for name, set := range counters {
		for label, count := range set.snapshot() {
			ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(count), label)
		}
	}

	for key, count := range c.breakerStates.snapshot() {
		i := strings.LastIndex(key, ":")
		ch <- prometheus.MustNewConstMetric(c.descs["transitions"], prometheus.CounterValue, float64(count), key[:i], key[i+1:])
	}

	ch <- prometheus.MustNewConstMetric(c.descs["evicted"], prometheus.CounterValue, float64(atomic.LoadUint64(&c.evicted)))
	ch <- prometheus.MustNewConstMetric(c.descs["send_seconds"], prometheus.GaugeValue,
		time.Duration(atomic.LoadInt64(&c.maxSendTime)).Seconds())
	if c.depth != nil {
		ch <- prometheus.MustNewConstMetric(c.descs["depth"], prometheus.GaugeValue, float64(c.depth()))
	}
}
