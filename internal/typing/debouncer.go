// Package typing turns bursts of remote typing pings into a per-participant
// flag that expires on its own.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/carechat/internal/clock"
)

// DefaultTTL is how long one ping keeps the indicator on.
const DefaultTTL = 3 * time.Second

type state struct {
	expiresAt time.Time
	timer     clock.Timer
}

// Debouncer tracks remote typing indicators. Every participant has at most
// one outstanding expiry timer; a new ping replaces it.
type Debouncer struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	states   map[string]*state
	onChange func(participantID string, typing bool)
	stopped  bool
	logger   *slog.Logger
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(d2 *Debouncer) {
		if d > 0 {
			d2.ttl = d
		}
	}
}

// WithOnChange registers a callback invoked whenever a participant's flag flips.
// The callback runs without the debouncer's lock held.
func WithOnChange(fn func(participantID string, typing bool)) Option {
	return func(d *Debouncer) {
		d.onChange = fn
	}
}

// New creates a Debouncer driven by c.
func New(c clock.Clock, opts ...Option) *Debouncer {
	d := &Debouncer{
		clock:  c,
		ttl:    DefaultTTL,
		states: make(map[string]*state),
		logger: slog.Default().With("component", "typing"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnPing marks participantID as typing until now+TTL, cancelling any pending
// expiry for that participant.
func (d *Debouncer) OnPing(participantID string, now time.Time) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	prev, exists := d.states[participantID]
	wasTyping := exists && now.Before(prev.expiresAt)
	if exists && prev.timer != nil {
		prev.timer.Stop()
	}
	st := &state{expiresAt: now.Add(d.ttl)}
	d.states[participantID] = st
	st.timer = d.clock.AfterFunc(d.ttl, func() { d.expire(participantID, st) })
	d.mu.Unlock()

	if !wasTyping {
		d.logger.Debug("participant started typing", "participant_id", participantID)
		d.notify(participantID, true)
	}
}

// IsTyping reports whether participantID is typing at now. It agrees with the
// scheduled expiry even if that timer has not run yet.
func (d *Debouncer) IsTyping(participantID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[participantID]
	return ok && now.Before(st.expiresAt)
}

// IsExpired is the complement of IsTyping.
func (d *Debouncer) IsExpired(participantID string, now time.Time) bool {
	return !d.IsTyping(participantID, now)
}

// Typing returns the participants typing at now, sorted.
func (d *Debouncer) Typing(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, st := range d.states {
		if now.Before(st.expiresAt) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Clear drops participantID's indicator immediately, e.g. when their message
// arrives.
func (d *Debouncer) Clear(participantID string) {
	d.mu.Lock()
	st, ok := d.states[participantID]
	if ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(d.states, participantID)
	}
	d.mu.Unlock()

	if ok {
		d.notify(participantID, false)
	}
}

// Stop cancels every pending expiry. The debouncer ignores pings afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, st := range d.states {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(d.states, id)
	}
	d.stopped = true
}

func (d *Debouncer) expire(participantID string, fired *state) {
	d.mu.Lock()
	st, ok := d.states[participantID]
	// A newer ping replaced the state this timer belonged to.
	if !ok || st != fired || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.states, participantID)
	d.mu.Unlock()

	d.logger.Debug("typing indicator expired", "participant_id", participantID)
	d.notify(participantID, false)
}

func (d *Debouncer) notify(participantID string, typing bool) {
	if d.onChange != nil {
		d.onChange(participantID, typing)
	}
}
