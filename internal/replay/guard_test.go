package replay

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestFirstUseAccepted(t *testing.T) {
	g := NewGuard(time.Minute)
	err := g.CheckAndRecord([]byte("nonce-1"), time.Now().UnixMilli(), "sess-a")
	if err != nil {
		t.Errorf("expected accept, got %v", err)
	}
}

func TestSecondUseReplayed(t *testing.T) {
	g := NewGuard(time.Minute)
	ts := time.Now().UnixMilli()
	if err := g.CheckAndRecord([]byte("nonce-1"), ts, "sess-a"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := g.CheckAndRecord([]byte("nonce-1"), ts, "sess-a")
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("expected ErrReplayed, got %v", err)
	}
}

func TestSameNonceDifferentSessions(t *testing.T) {
	g := NewGuard(time.Minute)
	ts := time.Now().UnixMilli()
	if err := g.CheckAndRecord([]byte("nonce-1"), ts, "sess-a"); err != nil {
		t.Fatalf("sess-a: %v", err)
	}
	if err := g.CheckAndRecord([]byte("nonce-1"), ts, "sess-b"); err != nil {
		t.Errorf("replay state must be per session, got %v", err)
	}
}

func TestStaleTimestampExpired(t *testing.T) {
	g := NewGuard(time.Minute)
	stale := time.Now().Add(-2 * time.Minute).UnixMilli()
	err := g.CheckAndRecord([]byte("nonce-1"), stale, "sess-a")
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestFutureTimestampRejected(t *testing.T) {
	g := NewGuard(time.Minute)
	base := time.Now()
	g.now = func() time.Time { return base }

	future := base.Add(time.Hour).UnixMilli()
	err := g.CheckAndRecord([]byte("nonce-1"), future, "sess-a")
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired for future timestamp, got %v", err)
	}

	// A future-dated envelope that slipped in could be presented again
	// after its nonce aged out of the seen set. Rejecting it up front
	// closes that window: the same envelope stays rejected later too.
	g.now = func() time.Time { return base.Add(2 * time.Minute) }
	g.Prune()
	err = g.CheckAndRecord([]byte("nonce-1"), future, "sess-a")
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired after prune, got %v", err)
	}
}

func TestSmallClockSkewTolerated(t *testing.T) {
	g := NewGuard(time.Minute)
	base := time.Now()
	g.now = func() time.Time { return base }

	ahead := base.Add(2 * time.Second).UnixMilli()
	if err := g.CheckAndRecord([]byte("nonce-1"), ahead, "sess-a"); err != nil {
		t.Errorf("expected accept within skew bound, got %v", err)
	}
}

func TestExpiredNonceNotRecorded(t *testing.T) {
	g := NewGuard(time.Minute)
	stale := time.Now().Add(-2 * time.Minute).UnixMilli()
	_ = g.CheckAndRecord([]byte("nonce-1"), stale, "sess-a")

	// The same nonce with a fresh timestamp must be accepted: the
	// rejected attempt had no side effect.
	if err := g.CheckAndRecord([]byte("nonce-1"), time.Now().UnixMilli(), "sess-a"); err != nil {
		t.Errorf("expected accept after expired attempt, got %v", err)
	}
}

func TestConcurrentDeliveryExactlyOneAccepted(t *testing.T) {
	g := NewGuard(time.Minute)
	ts := time.Now().UnixMilli()

	const workers = 32
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.CheckAndRecord([]byte("contested"), ts, "sess-a")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
		} else if !errors.Is(err, ErrReplayed) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("expected exactly 1 accept under concurrent delivery, got %d", accepted)
	}
}

func TestPruneRemovesAgedNonces(t *testing.T) {
	g := NewGuard(time.Minute)
	base := time.Now()
	g.now = func() time.Time { return base }

	if err := g.CheckAndRecord([]byte("old"), base.UnixMilli(), "sess-a"); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Advance past the age window and prune.
	g.now = func() time.Time { return base.Add(2 * time.Minute) }
	g.Prune()

	g.mu.RLock()
	_, exists := g.sessions["sess-a"]
	g.mu.RUnlock()
	if exists {
		t.Error("expected emptied session state to be dropped")
	}
}

func TestPruneKeepsFreshNonces(t *testing.T) {
	g := NewGuard(time.Minute)
	base := time.Now()
	g.now = func() time.Time { return base }

	if err := g.CheckAndRecord([]byte("fresh"), base.UnixMilli(), "sess-a"); err != nil {
		t.Fatalf("record: %v", err)
	}

	g.now = func() time.Time { return base.Add(30 * time.Second) }
	g.Prune()

	// Still within the window: the duplicate must be caught.
	err := g.CheckAndRecord([]byte("fresh"), base.Add(30*time.Second).UnixMilli(), "sess-a")
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("expected ErrReplayed after prune kept the nonce, got %v", err)
	}
}

func TestDropSession(t *testing.T) {
	g := NewGuard(time.Minute)
	ts := time.Now().UnixMilli()
	if err := g.CheckAndRecord([]byte("n"), ts, "sess-a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	g.DropSession("sess-a")
	if err := g.CheckAndRecord([]byte("n"), ts, "sess-a"); err != nil {
		t.Errorf("expected accept after session drop, got %v", err)
	}
}

func TestManySessionsIndependent(t *testing.T) {
	g := NewGuard(time.Minute)
	ts := time.Now().UnixMilli()
	for i := 0; i < 100; i++ {
		sess := fmt.Sprintf("sess-%d", i)
		if err := g.CheckAndRecord([]byte("shared"), ts, sess); err != nil {
			t.Fatalf("session %s: %v", sess, err)
		}
	}
}
