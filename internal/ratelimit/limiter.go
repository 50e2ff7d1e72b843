// Package ratelimit implements the local sliding-window admission control
// the orchestrator consults before every non-risk submit/cancel: two
// independent per-kind windows, one for submits and one for cancels.
package ratelimit

import (
	"sync"
	"time"
)

// Kind distinguishes the two independently budgeted action types.
type Kind int

const (
	KindSubmit Kind = iota
	KindCancel
)

// window is a single sliding-window counter: timestamps (ms) of admitted
// events within the last windowMs are kept; anything older is dropped on
// the next admission check.
type window struct {
	maxEvents int
	windowMs  int64
	events    []int64
}

func newWindow(maxEvents int, windowMs int64) *window {
	return &window{maxEvents: maxEvents, windowMs: windowMs}
}

func (w *window) admit(nowMs int64) bool {
	cutoff := nowMs - w.windowMs
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	w.events = kept
	if len(w.events) >= w.maxEvents {
		return false
	}
	w.events = append(w.events, nowMs)
	return true
}

func (w *window) count(nowMs int64) int {
	cutoff := nowMs - w.windowMs
	n := 0
	for _, ts := range w.events {
		if ts > cutoff {
			n++
		}
	}
	return n
}

// Limiter is a SlidingWindowRateLimiter pair: one budget for order
// submissions, one for cancellations, each over a 1-second rolling window.
// Risk intents bypass admission entirely (AdmitRisk only records
// telemetry). Queueing a denied intent would only stretch an already-stale
// market snapshot, so denied non-risk intents are dropped, not queued.
type Limiter struct {
	mu      sync.Mutex
	submit  *window
	cancel  *window
	riskSeen int
}

// Config names the two independent per-second budgets.
type Config struct {
	MaxOrdersPerSec  int
	MaxCancelsPerSec int
}

func New(cfg Config) *Limiter {
	return &Limiter{
		submit: newWindow(cfg.MaxOrdersPerSec, time.Second.Milliseconds()),
		cancel: newWindow(cfg.MaxCancelsPerSec, time.Second.Milliseconds()),
	}
}

// TryAdmit asks for admission of a non-risk action of the given kind at
// nowMs. Returns false if the budget for that kind is exhausted.
func (l *Limiter) TryAdmit(kind Kind, nowMs int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch kind {
	case KindSubmit:
		return l.submit.admit(nowMs)
	case KindCancel:
		return l.cancel.admit(nowMs)
	default:
		return false
	}
}

// AdmitRisk records a risk-bypass action for observability without ever
// denying it; risk intents always go through.
func (l *Limiter) AdmitRisk() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.riskSeen++
}

// Usage reports current counts for both windows, for logging/telemetry.
func (l *Limiter) Usage(nowMs int64) (submits, cancels, riskBypassed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submit.count(nowMs), l.cancel.count(nowMs), l.riskSeen
}
