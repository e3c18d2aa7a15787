// Package clock is the injectable time source behind receipts, journal
// rows, and guard deadlines. Production code takes a Clock and gets
// RealClock; tests swap in a MockClock so deadline math and step
// durations come out deterministic.
package clock

import (
	"sync"
	"time"
)

// stampLayout is the compact UTC form used in artifact names on the
// target, where colons are unwelcome in paths.
const stampLayout = "20060102T150405Z"

// Clock hands out the current time and the derived measurements the
// engine needs. Every timestamp that ends up in a receipt flows
// through one of these.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
}

// RealClock is the wall clock.
type RealClock struct{}

func (c *RealClock) Now() time.Time                  { return time.Now() }
func (c *RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (c *RealClock) Until(t time.Time) time.Duration { return time.Until(t) }

// system is the package default used by the free functions. Code that
// needs to freeze time injects a Clock instead of reassigning this.
var system Clock = &RealClock{}

// Now returns the current time from the package default.
func Now() time.Time { return system.Now() }

// Since returns the elapsed time since t.
func Since(t time.Time) time.Duration { return system.Since(t) }

// Until returns the remaining time until t.
func Until(t time.Time) time.Duration { return t.Sub(system.Now()) }

// Stamp renders t as a compact UTC stamp for backup and guard artifact
// names. Lexical order equals chronological order.
func Stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// MockClock is a hand-cranked clock. It only moves when a test calls
// Set or Advance, so a receipt's duration is exactly what the test
// advanced between steps.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock starts a mock clock at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Set moves the clock to an absolute time, forward or backward.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
