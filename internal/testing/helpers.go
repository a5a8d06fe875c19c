package testing

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Unit returns true if running in unit test mode.
// Unit tests should be fast and not require external services such as a NATS
// server. Integration tests run only when OMNIRELAY_RUN_INTEGRATION_TESTS is
// "true".
func Unit() bool {
	if os.Getenv("OMNIRELAY_UNIT_TESTS_ONLY") == "true" {
		return true
	}
	if os.Getenv("OMNIRELAY_RUN_INTEGRATION_TESTS") == "true" {
		return testing.Short()
	}
	return true
}

// Integration returns true if running in integration test mode.
func Integration() bool {
	return !Unit()
}

// SkipIfUnit skips the test if running in unit test mode.
func SkipIfUnit(t *testing.T, message ...string) {
	t.Helper()
	if Unit() {
		msg := "Skipping integration test in unit mode"
		if len(message) > 0 {
			msg = message[0]
		}
		t.Skip(msg)
	}
}

// Clock is a manually advanced clock. Pass Now wherever a component accepts
// a time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// instantTimer fires as soon as it is started, so retry back-off never sleeps.
type instantTimer struct {
	c chan time.Time
}

// NewInstantTimer returns a backoff.Timer that ignores the requested delay.
func NewInstantTimer() backoff.Timer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func (t *instantTimer) Start(time.Duration) {
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *instantTimer) Stop() {}
