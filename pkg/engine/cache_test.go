package engine

import (
	"sync"
	"testing"
	"time"
)

func TestSessionCache_LookupEvictsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSessionCache()

	c.Put(&Session{ID: "live", State: StateDraft, ExpiresAt: now.Add(time.Hour)})
	c.Put(&Session{ID: "stale", State: StateDraft, ExpiresAt: now.Add(-time.Second)})

	if _, expired, ok := c.Lookup("live", now); !ok || expired {
		t.Fatalf("Lookup(live) = ok %v expired %v", ok, expired)
	}

	s, expired, ok := c.Lookup("stale", now)
	if !ok || !expired || s == nil {
		t.Fatalf("Lookup(stale) = ok %v expired %v", ok, expired)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after eviction", c.Len())
	}
	if _, _, ok := c.Lookup("stale", now); ok {
		t.Error("expired session still cached")
	}
	if _, _, ok := c.Lookup("missing", now); ok {
		t.Error("Lookup(missing) reported ok")
	}
}

func TestSessionCache_ByUser(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSessionCache()
	c.Put(&Session{ID: "b", UserID: "alice", CreatedAt: base.Add(2 * time.Minute)})
	c.Put(&Session{ID: "a", UserID: "alice", CreatedAt: base})
	c.Put(&Session{ID: "x", UserID: "bob", CreatedAt: base})

	got := c.ByUser("alice")
	if len(got) != 2 {
		t.Fatalf("ByUser() returned %d sessions, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("ByUser() order = %s,%s, want a,b", got[0].ID, got[1].ID)
	}
	if len(c.ByUser("carol")) != 0 {
		t.Error("ByUser(carol) should be empty")
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("session")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if k.Len() != 0 {
		t.Errorf("Len() = %d after release, want 0", k.Len())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on distinct key blocked")
	}
}
