package cw

import "time"

// Clock abstracts wall-clock access so per-station call delays and
// message-gap timers can be driven deterministically in tests, per spec
// section 5's "Timers" and section 9's randomness/determinism design note.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the core needs, so VirtualClock can
// implement it without a real OS timer.
type Timer interface {
	Stop() bool
}

// SystemClock is the production Clock, backed by the real time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// VirtualClock is a deterministic Clock for tests: Now() and scheduled
// callbacks only advance when Advance is called.
type VirtualClock struct {
	now     time.Time
	pending []*virtualTimer
}

type virtualTimer struct {
	fireAt  time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *virtualTimer) Stop() bool {
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time { return c.now }

func (c *VirtualClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &virtualTimer{fireAt: c.now.Add(d), fn: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the virtual clock forward by d, firing any timers whose
// deadline falls within the new window, in deadline order.
func (c *VirtualClock) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		var next *virtualTimer
		for _, t := range c.pending {
			if t.stopped || t.fired {
				continue
			}
			if t.fireAt.After(target) {
				continue
			}
			if next == nil || t.fireAt.Before(next.fireAt) {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.fireAt
		next.fired = true
		next.fn()
	}
	c.now = target
}
