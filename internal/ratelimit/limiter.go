// Package ratelimit implements the per-channel flood lock applied to local
// sends before they reach the provider.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the trailing window in which sends are counted.
	DefaultWindow = time.Second
	// DefaultThreshold is the number of sends tolerated inside one window.
	DefaultThreshold = 5
	// DefaultCooldown is how long sending stays locked after a trip.
	DefaultCooldown = 10 * time.Second
)

// Decision is the outcome of a CheckAndRecord call.
type Decision struct {
	Allowed bool
	// SecondsRemaining is the whole-second countdown while locked.
	SecondsRemaining int
}

// Locked reports whether the call was rejected.
func (d Decision) Locked() bool {
	return !d.Allowed
}

// Limiter is a sliding-window flood detector with a timed lockout. It never
// reads the clock itself; every call is driven by the caller's instant.
type Limiter struct {
	mu          sync.Mutex
	window      time.Duration
	threshold   int
	cooldown    time.Duration
	recent      []time.Time
	lockedUntil time.Time
}

// New creates a Limiter. Non-positive arguments fall back to the defaults.
func New(window time.Duration, threshold int, cooldown time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Limiter{
		window:    window,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// CheckAndRecord counts a send attempt at now. The attempt itself counts
// toward the window, so with the default policy the sixth send inside one
// second trips the lock. Attempts made while locked are not recorded and do
// not extend the lock.
func (l *Limiter) CheckAndRecord(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockedAt(now) {
		return Decision{SecondsRemaining: l.secondsRemaining(now)}
	}
	if !l.lockedUntil.IsZero() {
		// Lock expired: start over with an empty window.
		l.lockedUntil = time.Time{}
		l.recent = l.recent[:0]
	}

	l.prune(now)
	l.recent = append(l.recent, now)

	if len(l.recent) > l.threshold {
		l.lockedUntil = now.Add(l.cooldown)
		return Decision{SecondsRemaining: l.secondsRemaining(now)}
	}
	return Decision{Allowed: true}
}

// Remaining returns the whole seconds left on the lock at now, or 0.
func (l *Limiter) Remaining(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lockedAt(now) {
		return 0
	}
	return l.secondsRemaining(now)
}

// LockedUntil returns the instant the current lock ends, if any.
func (l *Limiter) LockedUntil() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedUntil, !l.lockedUntil.IsZero()
}

// Reset clears the window and any lock.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = l.recent[:0]
	l.lockedUntil = time.Time{}
}

func (l *Limiter) lockedAt(now time.Time) bool {
	return !l.lockedUntil.IsZero() && now.Before(l.lockedUntil)
}

// prune drops entries that fell out of the trailing window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.recent) && !l.recent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.recent = append(l.recent[:0], l.recent[i:]...)
	}
}

func (l *Limiter) secondsRemaining(now time.Time) int {
	d := l.lockedUntil.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
