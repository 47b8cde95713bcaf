// Package deadline tracks the wall-clock budget of a single request.
//
// A Tracker is created at request entry. It never cancels work on its own; it
// hands out contexts bounded by the remaining budget and answers whether the
// caller should start another downstream call.
package deadline

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultOverall   = 15 * time.Second
	DefaultDirectory = 10 * time.Second
	DefaultBuffer    = 1 * time.Second
)

// Clock returns the current time. time.Now carries a monotonic reading, which
// is what the tracker relies on.
type Clock func() time.Time

type Tracker struct {
	now       Clock
	start     time.Time
	overall   time.Duration
	directory time.Duration

	mu            sync.Mutex
	directoryUsed time.Duration
}

// New starts a tracker with the given budgets. Non-positive budgets fall back
// to the defaults.
func New(overall, directory time.Duration) *Tracker {
	return NewWithClock(time.Now, overall, directory)
}

func NewWithClock(now Clock, overall, directory time.Duration) *Tracker {
	if overall <= 0 {
		overall = DefaultOverall
	}
	if directory <= 0 {
		directory = DefaultDirectory
	}
	return &Tracker{
		now:       now,
		start:     now(),
		overall:   overall,
		directory: directory,
	}
}

func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// RemainingOverall never goes below zero.
func (t *Tracker) RemainingOverall() time.Duration {
	if r := t.overall - t.Elapsed(); r > 0 {
		return r
	}
	return 0
}

// RemainingDirectory is the smaller of the unspent directory sub-budget and
// the remaining overall budget.
func (t *Tracker) RemainingDirectory() time.Duration {
	t.mu.Lock()
	r := t.directory - t.directoryUsed
	t.mu.Unlock()
	if overall := t.RemainingOverall(); overall < r {
		r = overall
	}
	if r < 0 {
		return 0
	}
	return r
}

// ShouldContinue is true iff more than buffer of the overall budget is left.
func (t *Tracker) ShouldContinue(buffer time.Duration) bool {
	return t.RemainingOverall() > buffer
}

// Bound derives a context whose deadline is min(callCap, remaining overall).
// A non-positive callCap means no protocol-specific cap.
func (t *Tracker) Bound(ctx context.Context, callCap time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, capped(t.RemainingOverall(), callCap))
}

// BoundDirectory is Bound for directory calls. The returned done func charges
// the time spent to the directory sub-budget and releases the context.
func (t *Tracker) BoundDirectory(ctx context.Context, callCap time.Duration) (context.Context, func()) {
	started := t.now()
	cctx, cancel := context.WithTimeout(ctx, capped(t.RemainingDirectory(), callCap))
	return cctx, func() {
		cancel()
		spent := t.now().Sub(started)
		t.mu.Lock()
		t.directoryUsed += spent
		t.mu.Unlock()
	}
}

func capped(remaining, callCap time.Duration) time.Duration {
	if callCap > 0 && callCap < remaining {
		return callCap
	}
	return remaining
}

type ctxKey struct{}

// WithTracker stores t on ctx so handlers and services share one budget.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tracker stored on ctx, or nil.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(ctxKey{}).(*Tracker)
	return t
}
