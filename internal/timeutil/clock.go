// Package timeutil lets the cyclic loop, the simulated controller and the
// async worker run against either wall time or a clock driven by tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the bridge depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// NewTimer fires once, at least d from now.
	NewTimer(d time.Duration) Timer
	// NewTicker fires every d until stopped. Ticks the receiver is not ready
	// for are dropped.
	NewTicker(d time.Duration) Ticker
}

// Timer is a one-shot timer.
type Timer interface {
	C() <-chan time.Time
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

// Ticker is a periodic timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is wall time.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when Advance is called. Timers and tickers fire from
// inside Advance.
type MockClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters map[*waiter]struct{}
}

// NewMockClock returns a clock stopped at t.
func NewMockClock(t time.Time) *MockClock {
	c := &MockClock{now: t, waiters: make(map[*waiter]struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Advance moves the clock forward by d and fires every waiter whose deadline
// has been reached. A ticker fires at most once per Advance.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*waiter
	for w := range c.waiters {
		if now.Before(w.deadline) {
			continue
		}
		due = append(due, w)
		if w.period > 0 {
			w.deadline = now.Add(w.period)
		} else {
			delete(c.waiters, w)
		}
	}
	c.mu.Unlock()

	for _, w := range due {
		select {
		case w.ch <- now:
		default:
		}
	}
}

// Waiters returns the number of armed timers and tickers.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil waits until at least n timers or tickers are armed.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.cond.Wait()
	}
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.arm(d, 0)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive ticker period")
	}
	return mockTicker{c.arm(d, d)}
}

func (c *MockClock) arm(d, period time.Duration) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		period:   period,
	}
	c.waiters[w] = struct{}{}
	c.cond.Broadcast()
	return w
}

// waiter backs both mock timers (period 0) and mock tickers.
type waiter struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
}

func (w *waiter) C() <-chan time.Time { return w.ch }

// Stop disarms the waiter. For a timer it reports whether it had not fired.
func (w *waiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	_, armed := w.clock.waiters[w]
	delete(w.clock.waiters, w)
	return armed
}

type mockTicker struct{ w *waiter }

func (t mockTicker) C() <-chan time.Time { return t.w.ch }
func (t mockTicker) Stop()               { t.w.Stop() }
