package engine

import (
	"strings"
	"sync"
	"time"
)

// TickInterval is the countdown granularity.
const TickInterval = time.Second

var deadlineLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDeadline parses a server-issued end timestamp. It reports false for an
// absent or unparsable value, which callers treat as an indeterminate deadline.
func ParseDeadline(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DeadlineClock derives a whole-second countdown from an authoritative end
// timestamp and ticks it down locally at 1 Hz.
//
// The remaining value only changes by a tick (exactly -1) or by Reset, and is
// never negative. Reaching zero raises the expiry callback once and halts
// ticking; deciding what expiry means is left to the owner.
type DeadlineClock struct {
	mu        sync.Mutex
	sched     Scheduler
	onExpire  func()
	deadline  time.Time
	known     bool
	remaining int
	ticker    Handle
	expired   bool
}

// NewDeadlineClock creates a clock in the indeterminate state. onExpire is
// invoked without the clock's lock held.
func NewDeadlineClock(sched Scheduler, onExpire func()) *DeadlineClock {
	return &DeadlineClock{sched: sched, onExpire: onExpire}
}

// Reset replaces the reference deadline and recomputes the remaining time.
// A nil deadline makes the clock indeterminate. Reset never calls onExpire;
// it reports true instead when this reset is the one that expired the clock.
func (c *DeadlineClock) Reset(deadline *time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline == nil {
		c.known = false
		c.remaining = 0
		c.haltLocked()
		return false
	}

	c.deadline = *deadline
	c.known = true
	c.remaining = secondsUntil(c.sched.Now(), c.deadline)
	if c.remaining > 0 {
		// A later deadline re-arms the expiry edge.
		c.expired = false
	}
	if c.remaining == 0 {
		c.haltLocked()
		if !c.expired {
			c.expired = true
			return true
		}
	}
	return false
}

// Start begins ticking. It is a no-op while indeterminate, expired, or
// already ticking.
func (c *DeadlineClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known || c.expired || c.ticker != nil {
		return
	}
	c.ticker = c.sched.Every(TickInterval, c.tick)
}

// Stop halts ticking and holds the current value.
func (c *DeadlineClock) Stop() {
	c.mu.Lock()
	c.haltLocked()
	c.mu.Unlock()
}

// Remaining returns the remaining whole seconds. known is false when no
// valid deadline has been set.
func (c *DeadlineClock) Remaining() (seconds int, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.known
}

// Deadline returns the current reference deadline.
func (c *DeadlineClock) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.known
}

// Expired reports whether the expiry edge has been raised.
func (c *DeadlineClock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Running reports whether the 1 Hz ticker is armed.
func (c *DeadlineClock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker != nil
}

func (c *DeadlineClock) tick() {
	c.mu.Lock()
	if c.ticker == nil || !c.known {
		c.mu.Unlock()
		return
	}
	if c.remaining > 0 {
		c.remaining--
	}
	fire := false
	if c.remaining == 0 {
		c.haltLocked()
		if !c.expired {
			c.expired = true
			fire = true
		}
	}
	c.mu.Unlock()

	if fire && c.onExpire != nil {
		c.onExpire()
	}
}

func (c *DeadlineClock) haltLocked() {
	if c.ticker != nil {
		c.ticker.Cancel()
		c.ticker = nil
	}
}

func secondsUntil(now, deadline time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
