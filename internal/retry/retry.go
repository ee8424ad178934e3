// Package retry provides a small bounded exponential-backoff scheduler shared
// by the transport reconnect loop, the presence publisher, and the
// conversation subscription manager.
package retry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Policy describes an exponential backoff schedule. The delay for attempt n
// is BaseDelay << n, capped at MaxDelay, with optional jitter of up to half
// the delay. MaxAttempts of 0 means unbounded.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Delay returns the backoff delay for the given zero-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	}
	return d
}

// Timer is one running backoff schedule. Stop cancels it; a stopped timer
// never fires again, even if a tick was already queued.
type Timer struct {
	policy    Policy
	fn        func() bool
	exhausted func()

	mu      sync.Mutex
	timer   *time.Timer
	attempt int
	stopped bool
}

// Start schedules fn on the policy's backoff schedule. fn returns true when
// it succeeded and no further attempts are needed. When MaxAttempts is
// reached without success, exhausted is called once (may be nil).
// The first attempt runs after Delay(0), not immediately — callers that want
// an immediate try should attempt inline first and only Start on failure.
func (p Policy) Start(fn func() bool, exhausted func()) *Timer {
	t := &Timer{policy: p, fn: fn, exhausted: exhausted}
	t.schedule()
	return t
}

// Stop cancels the schedule. Safe to call multiple times and from fn.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

func (t *Timer) schedule() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	delay := t.policy.Delay(t.attempt)
	t.timer = time.AfterFunc(delay, t.tick)
	t.mu.Unlock()
}

func (t *Timer) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()

	if t.fn() {
		t.Stop()
		return
	}
	if t.policy.MaxAttempts > 0 && attempt >= t.policy.MaxAttempts {
		t.Stop()
		if t.exhausted != nil {
			t.exhausted()
		}
		return
	}
	t.schedule()
}
