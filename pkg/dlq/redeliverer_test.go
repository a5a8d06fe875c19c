package dlq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wayneeseguin/omnirelay/internal/metrics"
	testhelpers "github.com/wayneeseguin/omnirelay/internal/testing"
	"github.com/wayneeseguin/omnirelay/pkg/resilience"
	"github.com/wayneeseguin/omnirelay/pkg/types"
)

type stubDestination struct {
	name    string
	enabled bool
	fail    atomic.Bool
	calls   atomic.Int32
	mu      sync.Mutex
	got     []*types.LogEntry
}

func newStubDestination(name string, fail bool) *stubDestination {
	d := &stubDestination{name: name, enabled: true}
	d.fail.Store(fail)
	return d
}

func (d *stubDestination) Name() string    { return d.name }
func (d *stubDestination) IsEnabled() bool { return d.enabled }
func (d *stubDestination) Send(entry *types.LogEntry) error {
	d.calls.Add(1)
	if d.fail.Load() {
		return errors.New("destination down")
	}
	d.mu.Lock()
	d.got = append(d.got, entry)
	d.mu.Unlock()
	return nil
}

type mapResolver map[string]types.Destination

func (m mapResolver) Resolve(name string) (types.Destination, bool) {
	d, ok := m[name]
	return d, ok
}

// directSender calls the destination once and reports RetryExhausted on
// failure, like a policy with no retries would.
type directSender struct{}

func (directSender) Send(_ context.Context, dest types.Destination, entry *types.LogEntry) error {
	if err := dest.Send(entry); err != nil {
		return &resilience.DeliveryError{Kind: resilience.KindRetryExhausted, Destination: dest.Name(), Attempts: 1, Err: err}
	}
	return nil
}

func setup(t *testing.T, cfg Config, dests ...*stubDestination) (*Queue, *Redeliverer, *testhelpers.Clock, *metrics.Collector) {
	t.Helper()
	clock := testhelpers.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := metrics.NewCollector()
	resolver := mapResolver{}
	for _, d := range dests {
		resolver[d.name] = d
	}
	q := NewQueue(context.Background(), NewMemoryStore(cfg.MaxSize), WithQueueClock(clock.Now), WithQueueMetrics(m))
	r := NewRedeliverer(q, resolver, directSender{}, cfg,
		WithRedelivererClock(clock.Now), WithRedelivererMetrics(m))
	return q, r, clock, m
}

func enqueue(t *testing.T, q *Queue, destination string) {
	t.Helper()
	entry := types.NewLogEntry(types.LevelError, "Payments", "charge failed")
	entry.Payload = []byte(`{"message":"charge failed"}`)
	if err := q.Enqueue(context.Background(), entry, destination, resilience.ReasonRetryExhausted, errors.New("boom")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func TestRedeliverSuccessRemovesItem(t *testing.T) {
	dest := newStubDestination("http", false)
	q, r, clock, m := setup(t, Config{}, dest)
	enqueue(t, q, "http")
	clock.Advance(time.Minute)

	res, err := r.Redeliver(context.Background())
	if err != nil {
		t.Fatalf("Redeliver failed: %v", err)
	}
	if res.Attempted != 1 || res.Redelivered != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	if string(dest.got[0].Payload) != `{"message":"charge failed"}` {
		t.Errorf("Expected original payload, got %q", dest.got[0].Payload)
	}
	if m.GetMetrics().Redelivered["http"] != 1 {
		t.Error("Expected redelivery to be counted")
	}
}

func TestRedeliverDropsAfterMaxRetriesPerItem(t *testing.T) {
	dest := newStubDestination("http", true)
	q, r, _, m := setup(t, Config{MaxRetriesPerItem: 2}, dest)
	enqueue(t, q, "http")

	for sweep := 1; sweep <= 2; sweep++ {
		if _, err := r.Redeliver(context.Background()); err != nil {
			t.Fatalf("Sweep %d failed: %v", sweep, err)
		}
		items, _ := q.Items(context.Background())
		if len(items) != 1 || items[0].RetryCount != sweep {
			t.Fatalf("After sweep %d expected one item with count %d, got %+v", sweep, sweep, items)
		}
		if items[0].Reason != resilience.ReasonRetryExhausted || items[0].LastAttemptAt == nil {
			t.Errorf("Expected reason and attempt time updated, got %+v", items[0])
		}
	}

	res, _ := r.Redeliver(context.Background())
	if res.Dropped != 1 {
		t.Errorf("Expected third failure to drop the item, got %+v", res)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	if dest.calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", dest.calls.Load())
	}
	if m.GetMetrics().DeadLettersDropped[DropMaxRetries] != 1 {
		t.Error("Expected max_retries drop to be counted")
	}
}

func TestRedeliverDropsExpiredWithoutAttempt(t *testing.T) {
	dest := newStubDestination("http", false)
	q, r, clock, m := setup(t, Config{ItemRetentionPeriod: time.Hour}, dest)
	enqueue(t, q, "http")
	clock.Advance(2 * time.Hour)

	res, err := r.Redeliver(context.Background())
	if err != nil {
		t.Fatalf("Redeliver failed: %v", err)
	}
	if res.Expired != 1 || res.Attempted != 0 {
		t.Errorf("Unexpected result %+v", res)
	}
	if dest.calls.Load() != 0 {
		t.Error("Expired item should not be sent")
	}
	if m.GetMetrics().DeadLettersDropped[DropExpired] != 1 {
		t.Error("Expected expired drop to be counted")
	}
}

func TestRedeliverUnknownAndDisabledDestinations(t *testing.T) {
	disabled := newStubDestination("syslog", false)
	disabled.enabled = false
	q, r, _, _ := setup(t, Config{}, disabled)
	enqueue(t, q, "gone")
	enqueue(t, q, "syslog")

	res, err := r.Redeliver(context.Background())
	if err != nil {
		t.Fatalf("Redeliver failed: %v", err)
	}
	if res.Dropped != 1 || res.Skipped != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
	items, _ := q.Items(context.Background())
	if len(items) != 1 || items[0].Destination != "syslog" {
		t.Errorf("Expected only the disabled destination's item to remain, got %+v", items)
	}
}

func TestQueueEvictsOldest(t *testing.T) {
	q, _, _, m := setup(t, Config{MaxSize: 2})
	for i := 0; i < 3; i++ {
		enqueue(t, q, "http")
	}
	if q.Depth() != 2 {
		t.Errorf("Expected depth 2, got %d", q.Depth())
	}
	got := m.GetMetrics()
	if got.DeadLettersEvicted != 1 || got.DeadLettered[resilience.ReasonRetryExhausted] != 3 {
		t.Errorf("Unexpected metrics %+v", got)
	}
	if got.DeadLetterDepth != 2 {
		t.Errorf("Expected depth gauge 2, got %d", got.DeadLetterDepth)
	}
}

func TestQueueClosed(t *testing.T) {
	q, _, _, _ := setup(t, Config{})
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err := q.Enqueue(context.Background(), types.NewLogEntry(types.LevelError, "", "x"), "http", "RetryExhausted", nil)
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestRedelivererStartStop(t *testing.T) {
	dest := newStubDestination("http", false)
	core, logs := observer.New(zap.InfoLevel)

	q := NewQueue(context.Background(), NewMemoryStore(10))
	r := NewRedeliverer(q, mapResolver{"http": dest}, directSender{},
		Config{RetryInterval: 10 * time.Millisecond},
		WithRedelivererLogger(zap.New(core)))
	enqueue(t, q, "http")

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for dest.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.Running() {
		t.Error("Expected redeliverer stopped")
	}
	if dest.calls.Load() == 0 {
		t.Error("Expected the background loop to redeliver the item")
	}
	if logs.FilterMessage("dead letter redelivery stopped").Len() != 1 {
		t.Error("Expected stop to be logged")
	}
}

// removeFailingStore fails to remove items for one destination.
type removeFailingStore struct {
	*MemoryStore
	destination string
}

func (s *removeFailingStore) Remove(ctx context.Context, id string) error {
	items, err := s.MemoryStore.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID == id && item.Destination == s.destination {
			return errors.New("store unavailable")
		}
	}
	return s.MemoryStore.Remove(ctx, id)
}

type slowSender struct {
	delay    time.Duration
	inFlight atomic.Int32
}

func (s *slowSender) Send(ctx context.Context, dest types.Destination, entry *types.LogEntry) error {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	time.Sleep(s.delay)
	return directSender{}.Send(ctx, dest, entry)
}

func TestRedeliverWaitsForSendsWhenDropFails(t *testing.T) {
	ctx := context.Background()
	dest := newStubDestination("slow", false)
	store := &removeFailingStore{MemoryStore: NewMemoryStore(10), destination: "ghost"}
	q := NewQueue(ctx, store)

	if err := q.Enqueue(ctx, types.NewLogEntry(types.LevelError, "", "first"), "slow", resilience.ReasonRetryExhausted, errors.New("down")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, types.NewLogEntry(types.LevelError, "", "second"), "ghost", resilience.ReasonRetryExhausted, errors.New("down")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	sender := &slowSender{delay: 150 * time.Millisecond}
	r := NewRedeliverer(q, mapResolver{"slow": dest}, sender, Config{})

	_, err := r.Redeliver(ctx)
	if err == nil {
		t.Fatal("Expected the failed drop to be reported")
	}
	if n := sender.inFlight.Load(); n != 0 {
		t.Errorf("Redeliver returned with %d send(s) still in flight", n)
	}
	if dest.calls.Load() != 1 {
		t.Errorf("Expected the started send to complete, got %d calls", dest.calls.Load())
	}

	items, err := q.Items(ctx)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if len(items) != 1 || items[0].Destination != "ghost" {
		t.Errorf("Expected only the undroppable item left, got %+v", items)
	}
}
