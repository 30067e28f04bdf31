// Package replay tracks per-session nonces and message age so that a
// sealed envelope is accepted at most once.
package replay

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxAge is the recommended maximum accepted message age.
const DefaultMaxAge = 60 * time.Second

// MaxClockSkew bounds how far into the future an embedded timestamp may
// sit. Without this bound a future-dated envelope would still pass the
// age check after its nonce aged out of the seen set, reopening replay.
const MaxClockSkew = 5 * time.Second

var (
	// ErrExpired means the embedded timestamp is older than the max age.
	ErrExpired = errors.New("message expired")
	// ErrReplayed means this nonce was already accepted for the session.
	ErrReplayed = errors.New("message replayed")
)

// Guard is the replay detector. Nonce state is per session and protected
// by a per-session mutex so that concurrent deliveries of the same
// envelope are linearized without serializing unrelated sessions.
type Guard struct {
	maxAge time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionState

	now func() time.Time
}

type sessionState struct {
	mu sync.Mutex
	// seen maps nonce to receipt time. Receipt time carries Go's
	// monotonic clock reading, so pruning is immune to wall-clock skew
	// in the embedded timestamps.
	seen        map[string]time.Time
	lastPruneAt time.Time
}

// NewGuard creates a Guard with the given maximum message age. A
// non-positive maxAge falls back to DefaultMaxAge.
func NewGuard(maxAge time.Duration) *Guard {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Guard{
		maxAge:   maxAge,
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// CheckAndRecord accepts a nonce exactly once per session. The nonce is
// recorded before this function returns, so the caller may proceed only
// on a nil result: record-then-process, never process-then-record.
func (g *Guard) CheckAndRecord(nonce []byte, timestampMs int64, sessionID string) error {
	now := g.now()

	age := now.Sub(time.UnixMilli(timestampMs))
	if age > g.maxAge {
		return fmt.Errorf("%w: age %s exceeds %s", ErrExpired, age.Round(time.Millisecond), g.maxAge)
	}
	if age < -MaxClockSkew {
		return fmt.Errorf("%w: timestamp %s in the future", ErrExpired, (-age).Round(time.Millisecond))
	}

	st := g.session(sessionID)
	key := string(nonce)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.pruneLocked(now, g.maxAge)

	if _, dup := st.seen[key]; dup {
		return fmt.Errorf("%w: nonce already consumed", ErrReplayed)
	}
	st.seen[key] = now
	return nil
}

// DropSession discards all replay state for a session. Called on logout
// or session expiry.
func (g *Guard) DropSession(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// Prune removes aged-out nonces across all sessions and deletes sessions
// left empty. Safe to call from a background sweeper.
func (g *Guard) Prune() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, st := range g.sessions {
		st.mu.Lock()
		st.pruneLocked(now, g.maxAge)
		empty := len(st.seen) == 0
		st.mu.Unlock()
		if empty {
			delete(g.sessions, id)
		}
	}
}

func (g *Guard) session(sessionID string) *sessionState {
	g.mu.RLock()
	st, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if ok {
		return st
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok = g.sessions[sessionID]; ok {
		return st
	}
	st = &sessionState{seen: make(map[string]time.Time)}
	g.sessions[sessionID] = st
	return st
}

// pruneLocked removes nonces received more than maxAge ago. Keying on
// receipt time (not the embedded timestamp) guarantees a nonce is never
// dropped while its envelope could still pass the age check.
func (st *sessionState) pruneLocked(now time.Time, maxAge time.Duration) {
	// Amortize: at most one sweep per half-window.
	if now.Sub(st.lastPruneAt) < maxAge/2 {
		return
	}
	st.lastPruneAt = now
	for nonce, receivedAt := range st.seen {
		if now.Sub(receivedAt) > maxAge {
			delete(st.seen, nonce)
		}
	}
}
