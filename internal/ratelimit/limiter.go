// Package ratelimit implements the sliding-window, burst, and punishment
// state machine keyed by (subject, resource-action). State is in-memory
// and per-process: a restart resets it, which is acceptable because the
// limiter is defense in depth, not the authorization gate.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a consume attempt. Punished is set when the
// key is in (or just entered) the punishment lockout, as opposed to a
// plain over-limit denial.
type Result struct {
	Allowed    bool
	Punished   bool
	RetryAfter time.Duration
	Current    int
	Limit      int
}

// Limiter enforces per-key rate limits. Each key has its own mutex so
// unrelated subjects never serialize on each other.
type Limiter struct {
	cfg *Config

	mu    sync.RWMutex
	state map[string]*keyState

	now func() time.Time
}

type keyState struct {
	mu            sync.Mutex
	timestamps    []time.Time
	burstUsed     int
	punishedUntil time.Time
}

// NewLimiter creates a Limiter from configuration. A nil config uses the
// built-in defaults.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:   cfg,
		state: make(map[string]*keyState),
		now:   time.Now,
	}
}

// TryConsume records one request for (subject, resourceAction) and
// returns whether it is allowed.
//
// Within the window: allowed while the count is under the limit, then
// the burst allowance absorbs overflow, then punishment begins. While
// punished every call denies immediately without re-evaluating the
// window, and each denied attempt extends the punishment, so hammering
// a punished key only pushes recovery further out.
func (l *Limiter) TryConsume(subject, resourceAction string) Result {
	limit := l.cfg.LimitFor(resourceAction)
	now := l.now()

	st := l.key(subject + "|" + resourceAction)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.punishedUntil.IsZero() {
		if now.Before(st.punishedUntil) {
			st.punishedUntil = st.punishedUntil.Add(limit.Punishment)
			return Result{Punished: true, RetryAfter: st.punishedUntil.Sub(now), Limit: limit.MaxRequests}
		}
		// Punishment elapsed: back to baseline.
		st.timestamps = st.timestamps[:0]
		st.burstUsed = 0
		st.punishedUntil = time.Time{}
	}

	// Slide the window.
	cutoff := now.Add(-limit.Window)
	keep := st.timestamps[:0]
	for _, ts := range st.timestamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	st.timestamps = keep

	count := len(st.timestamps)
	switch {
	case count < limit.MaxRequests:
		st.timestamps = append(st.timestamps, now)
		return Result{Allowed: true, Current: count + 1, Limit: limit.MaxRequests}

	case st.burstUsed < limit.Burst:
		st.burstUsed++
		st.timestamps = append(st.timestamps, now)
		return Result{Allowed: true, Current: count + 1, Limit: limit.MaxRequests}

	default:
		st.punishedUntil = now.Add(limit.Punishment)
		return Result{Punished: true, RetryAfter: limit.Punishment, Current: count, Limit: limit.MaxRequests}
	}
}

// Reset clears all limiter state. Used by tests and by config reload,
// where stale windows measured against old limits would be misleading.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.state = make(map[string]*keyState)
	l.mu.Unlock()
}

func (l *Limiter) key(k string) *keyState {
	l.mu.RLock()
	st, ok := l.state[k]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.state[k]; ok {
		return st
	}
	st = &keyState{}
	l.state[k] = st
	return st
}
