// Package ratelimit admits or rejects outbound attempts under four
// independent sliding windows: global per-minute, per-recipient per-hour,
// per-recipient per-day, and a short per-recipient burst ceiling.
//
// Windows are maintained by timestamp eviction rather than wall-clock
// resets, so they behave correctly under bursty arrival and need no
// background sweep: stale entries are dropped lazily on the next check.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"smsagent/internal/config"
)

// WindowKind names the window that denied an attempt.
type WindowKind string

const (
	WindowGlobal WindowKind = "global_per_minute"
	WindowHourly WindowKind = "recipient_per_hour"
	WindowDaily  WindowKind = "recipient_per_day"
	WindowBurst  WindowKind = "recipient_burst"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	// RetryAfter is how long until every failing window slides enough to
	// admit another attempt, i.e. the wait of the binding window. Zero
	// when Allowed.
	RetryAfter time.Duration
	// DeniedBy names the binding window. Empty when Allowed.
	DeniedBy WindowKind
}

// window is one sliding-window counter. Not safe for concurrent use on its
// own; the Limiter's mutex guards all windows.
type window struct {
	span   time.Duration
	limit  int
	events []time.Time
}

func newWindow(span time.Duration, limit int) *window {
	return &window{span: span, limit: limit}
}

func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// admissible reports whether one more event fits, and if not, how long
// until the oldest blocking event slides out.
func (w *window) admissible(now time.Time) (bool, time.Duration) {
	w.evict(now)
	if len(w.events) < w.limit {
		return true, 0
	}
	blocking := w.events[len(w.events)-w.limit]
	return false, blocking.Add(w.span).Sub(now)
}

func (w *window) record(at time.Time) {
	w.events = append(w.events, at)
}

// remove drops the most recent event with the given timestamp. Used to
// release a provisional reservation.
func (w *window) remove(at time.Time) {
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].Equal(at) {
			w.events = append(w.events[:i], w.events[i+1:]...)
			return
		}
	}
}

type recipientWindows struct {
	hourly   *window
	daily    *window
	burst    *window
	lastSeen time.Time
}

// Limiter applies all four ceilings. All methods are safe for concurrent
// use and never block.
type Limiter struct {
	mu         sync.Mutex
	global     *window
	recipients map[string]*recipientWindows
	cfg        config.RateLimitConfig
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		global:     newWindow(time.Minute, cfg.GlobalPerMinute),
		recipients: make(map[string]*recipientWindows),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Reservation is a provisional slot counted at evaluation time so that
// concurrent attempts for one recipient cannot both pass. Release returns
// the slot when the pipeline run aborts before sending.
type Reservation struct {
	l         *Limiter
	recipient string
	at        time.Time
	settled   bool
}

// Release returns the reserved slot to every window. Safe to call at most
// once; a no-op after Confirm.
func (r *Reservation) Release() {
	if r == nil || r.settled {
		return
	}
	r.settled = true

	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	r.l.global.remove(r.at)
	if rw, ok := r.l.recipients[r.recipient]; ok {
		rw.hourly.remove(r.at)
		rw.daily.remove(r.at)
		rw.burst.remove(r.at)
	}
}

// Confirm keeps the charge. The reservation can no longer be released.
func (r *Reservation) Confirm() {
	if r != nil {
		r.settled = true
	}
}

// Reserve checks all four windows and, when every one admits, records a
// provisional event in each. The tightest failing window determines the
// retry-after on denial.
func (l *Limiter) Reserve(recipientID string) (*Reservation, Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	rw, ok := l.recipients[recipientID]
	if !ok {
		rw = &recipientWindows{
			hourly: newWindow(time.Hour, l.cfg.PerRecipientPerHour),
			daily:  newWindow(24*time.Hour, l.cfg.PerRecipientPerDay),
			burst:  newWindow(time.Minute, l.cfg.BurstPerMinute),
		}
		l.recipients[recipientID] = rw
	}
	rw.lastSeen = now

	checks := []struct {
		kind WindowKind
		w    *window
	}{
		{WindowGlobal, l.global},
		{WindowHourly, rw.hourly},
		{WindowDaily, rw.daily},
		{WindowBurst, rw.burst},
	}

	// Check every window even after one fails: the binding constraint is
	// the failing window with the longest wait, and a retry-after from a
	// looser one would invite retries that cannot succeed.
	denied := Result{}
	for _, c := range checks {
		if ok, retry := c.w.admissible(now); !ok && (denied.DeniedBy == "" || retry > denied.RetryAfter) {
			denied = Result{Allowed: false, RetryAfter: retry, DeniedBy: c.kind}
		}
	}
	if denied.DeniedBy != "" {
		if l.logger != nil {
			l.logger.Warn("rate limit denied",
				"recipient", recipientID,
				"window", string(denied.DeniedBy),
				"retry_after", denied.RetryAfter,
			)
		}
		return nil, denied
	}

	l.global.record(now)
	rw.hourly.record(now)
	rw.daily.record(now)
	rw.burst.record(now)

	return &Reservation{l: l, recipient: recipientID, at: now}, Result{Allowed: true}
}

// EvictIdle drops per-recipient windows not seen for maxAge and returns how
// many were removed. Called opportunistically by the daemon; correctness
// does not depend on it.
func (l *Limiter) EvictIdle(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, rw := range l.recipients {
		if rw.lastSeen.Before(cutoff) {
			delete(l.recipients, id)
			removed++
		}
	}
	return removed
}
