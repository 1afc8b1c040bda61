// Package budget implements process-lifetime and calendar-day token accounting
// for the daemon.
package budget

import (
	"sync"
	"time"
)

// Reservation is deducted from the daily window at admission, before the real
// usage of a run is known. It closes the window in which concurrent admissions
// could all pass an almost exhausted budget. It is not refunded.
const Reservation int64 = 1

// Refusal reasons returned by CheckBeforeRun.
const (
	ReasonLifetime = "Lifetime budget exceeded"
	ReasonDaily    = "Daily budget exceeded"
)

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	LifetimeBudget *int64
	DailyBudget    *int64
	TotalConsumed  int64
	DailyConsumed  int64
	LastResetDate  time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock. Tests use it to simulate date rollover.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker enforces two independent optional ceilings. A nil ceiling is
// unbounded. Lifetime exhaustion is permanent for the process; the daily
// window resets when the local date changes. Safe for concurrent use.
type Tracker struct {
	lifetime *int64
	daily    *int64
	now      func() time.Time

	mu            sync.Mutex
	totalConsumed int64
	dailyConsumed int64
	lastReset     time.Time
}

// New creates a tracker. Either budget may be nil.
func New(lifetime, daily *int64, opts ...Option) *Tracker {
	t := &Tracker{
		lifetime: copyLimit(lifetime),
		daily:    copyLimit(daily),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastReset = dateOf(t.now())
	return t
}

// Limited reports whether at least one ceiling is configured.
func (t *Tracker) Limited() bool {
	return t.lifetime != nil || t.daily != nil
}

// CheckBeforeRun admits or refuses one run. On admission it commits the
// reservation against the daily window. A refusal leaves state untouched
// apart from a pending date rollover.
func (t *Tracker) CheckBeforeRun() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	if t.lifetime != nil && t.totalConsumed+Reservation > *t.lifetime {
		return false, ReasonLifetime
	}
	if t.daily != nil && t.dailyConsumed+Reservation > *t.daily {
		return false, ReasonDaily
	}
	t.dailyConsumed += Reservation
	return true, ""
}

// RecordUsage adds the real token count of a finished run to both counters.
func (t *Tracker) RecordUsage(tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	t.totalConsumed += tokens
	t.dailyConsumed += tokens
}

// Snapshot returns the current state after applying any pending rollover.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return Snapshot{
		LifetimeBudget: copyLimit(t.lifetime),
		DailyBudget:    copyLimit(t.daily),
		TotalConsumed:  t.totalConsumed,
		DailyConsumed:  t.dailyConsumed,
		LastResetDate:  t.lastReset,
	}
}

// rollover resets the daily window when the date changed. Caller holds mu.
func (t *Tracker) rollover() {
	today := dateOf(t.now())
	if !today.Equal(t.lastReset) {
		t.dailyConsumed = 0
		t.lastReset = today
	}
}

func dateOf(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

func copyLimit(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
