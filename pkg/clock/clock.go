// Package clock implements a rate-adjustable, pausable virtual clock:
// it translates bag timestamps into controlled wall-time sleeps for
// the playback engine.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidRate describes a non-positive rate. SetRate does not
// return it; it reports a rejected rate by returning false.
var ErrInvalidRate = errors.New("clock: rate must be > 0")

// nower is swappable in tests to control wall-clock progression
// deterministically.
type nower func() time.Time

// Clock is a rate-controlled, pausable clock over bag time
// (nanoseconds since epoch). All mutator methods wake any goroutine
// blocked in SleepUntil, since any state change invalidates the
// sleep it was computed against.
type Clock struct {
	now nower

	mu           sync.Mutex
	baseBagTime  int64
	baseWallTime time.Time
	rate         float64
	paused       bool
	pausedAt     int64
	wake         chan struct{}
}

// New creates a Clock with an initial bag time of zero and rate 1.0.
func New() *Clock {
	return NewWithNow(time.Now)
}

// NewWithNow creates a Clock using a custom wall-clock source, for
// deterministic tests.
func NewWithNow(now nower) *Clock {
	return &Clock{
		now:          now,
		baseWallTime: now(),
		rate:         1.0,
		wake:         make(chan struct{}),
	}
}

// Now returns the current bag time.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *Clock) nowLocked() int64 {
	if c.paused {
		return c.pausedAt
	}
	elapsed := c.now().Sub(c.baseWallTime)
	return c.baseBagTime + int64(float64(elapsed)*c.rate)
}

// SleepUntil blocks until Now() >= target, then returns true. It
// returns false early if a concurrent Pause/Resume/SetRate/Jump
// changed the clock's state; callers must treat false as "recompute
// the sleep and try again" — a single SleepUntil call makes one
// attempt, and the retry loop lives in the caller.
func (c *Clock) SleepUntil(target int64) bool {
	c.mu.Lock()
	if c.paused {
		wake := c.wake
		c.mu.Unlock()
		<-wake
		return false
	}
	now := c.nowLocked()
	if now >= target {
		c.mu.Unlock()
		return true
	}
	remaining := c.wallDurationFor(target - now)
	wake := c.wake
	c.mu.Unlock()

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-wake:
		return false
	}
}

func (c *Clock) wallDurationFor(bagDelta int64) time.Duration {
	if c.rate <= 0 {
		return time.Hour
	}
	return time.Duration(float64(bagDelta) / c.rate)
}

// SetRate accepts rate > 0 only; returns whether it was accepted. On
// acceptance the clock rebases so Now() is continuous across the
// change.
func (c *Clock) SetRate(rate float64) bool {
	if rate <= 0 {
		return false
	}
	c.mu.Lock()
	c.baseBagTime = c.nowLocked()
	c.baseWallTime = c.now()
	c.rate = rate
	c.bump()
	c.mu.Unlock()
	return true
}

// Rate returns the current playback rate.
func (c *Clock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Pause snapshots the current bag time and stops advancing it.
func (c *Clock) Pause() {
	c.mu.Lock()
	if !c.paused {
		c.pausedAt = c.nowLocked()
		c.paused = true
		c.bump()
	}
	c.mu.Unlock()
}

// Resume rebases the clock at the paused time and resumes advancing.
func (c *Clock) Resume() {
	c.mu.Lock()
	if c.paused {
		c.baseBagTime = c.pausedAt
		c.baseWallTime = c.now()
		c.paused = false
		c.bump()
	}
	c.mu.Unlock()
}

// IsPaused reports whether the clock is currently paused.
func (c *Clock) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Jump sets the current bag time directly, without touching rate or
// pause state (besides updating pausedAt while paused).
func (c *Clock) Jump(t int64) {
	c.mu.Lock()
	c.baseBagTime = t
	c.baseWallTime = c.now()
	if c.paused {
		c.pausedAt = t
	}
	c.bump()
	c.mu.Unlock()
}

// bump wakes every goroutine currently blocked in SleepUntil by
// closing the shared wake channel and installing a fresh one for
// subsequent sleepers. Caller must hold c.mu.
func (c *Clock) bump() {
	close(c.wake)
	c.wake = make(chan struct{})
}
