package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	st := NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	now := time.Now()
	st.nowFn = func() time.Time { return now }
	return st, &now
}

func TestIncrementWindowCountsWithinWindow(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := st.IncrementWindow(ctx, "ratelimit:1.2.3.4", time.Minute)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if res.Count != int64(i) {
			t.Errorf("increment %d: expected count %d, got %d", i, i, res.Count)
		}
	}
}

func TestIncrementWindowResetsAfterWindow(t *testing.T) {
	st, now := newTestStore(t)
	ctx := context.Background()

	first, err := st.IncrementWindow(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if first.Count != 1 {
		t.Fatalf("expected count 1, got %d", first.Count)
	}
	st.IncrementWindow(ctx, "k", time.Minute)

	*now = now.Add(61 * time.Second)

	res, err := st.IncrementWindow(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("increment after window: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("expected fresh window count 1, got %d", res.Count)
	}
	if !res.ResetAt.After(first.ResetAt) {
		t.Errorf("expected new window reset after old reset")
	}
}

func TestIncrementWindowIsolatesKeys(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	st.IncrementWindow(ctx, "a", time.Minute)
	st.IncrementWindow(ctx, "a", time.Minute)
	res, _ := st.IncrementWindow(ctx, "b", time.Minute)
	if res.Count != 1 {
		t.Errorf("expected independent counter for second key, got %d", res.Count)
	}
}

func TestIncrementWindowConcurrent(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.IncrementWindow(ctx, "shared", time.Minute); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	res, err := st.IncrementWindow(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatalf("final increment: %v", err)
	}
	if res.Count != n+1 {
		t.Errorf("expected count %d after %d concurrent increments, got %d", n+1, n, res.Count)
	}
}

func TestSetIfAbsent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := st.SetIfAbsent(ctx, "session:u1", "entry", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first set: ok=%v err=%v", ok, err)
	}

	ok, err = st.SetIfAbsent(ctx, "session:u1", "other", time.Minute)
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if ok {
		t.Error("expected second SetIfAbsent to fail while entry present")
	}

	val, found, _ := st.Get(ctx, "session:u1")
	if !found || val != "entry" {
		t.Errorf("expected original value preserved, got %q found=%v", val, found)
	}
}

func TestSetIfAbsentConcurrentSingleWinner(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	const n = 50
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.SetIfAbsent(ctx, "session:u1", "entry", time.Minute)
			if err != nil {
				t.Errorf("set: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestSetIfAbsentTTLBackstop(t *testing.T) {
	st, now := newTestStore(t)
	ctx := context.Background()

	st.SetIfAbsent(ctx, "session:u1", "entry", time.Minute)

	*now = now.Add(2 * time.Minute)

	ok, err := st.SetIfAbsent(ctx, "session:u1", "entry2", time.Minute)
	if err != nil {
		t.Fatalf("set after expiry: %v", err)
	}
	if !ok {
		t.Error("expected expired entry to be replaced")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	st.SetIfAbsent(ctx, "k", "v", time.Minute)
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	if _, found, _ := st.Get(ctx, "k"); found {
		t.Error("expected key gone after delete")
	}

	ok, _ := st.SetIfAbsent(ctx, "k", "v2", time.Minute)
	if !ok {
		t.Error("expected SetIfAbsent to succeed after delete")
	}
}

func TestCleanupExpiredDropsEntries(t *testing.T) {
	st, now := newTestStore(t)
	ctx := context.Background()

	st.SetIfAbsent(ctx, "stale", "v", time.Minute)
	st.IncrementWindow(ctx, "oldwindow", time.Minute)
	st.SetIfAbsent(ctx, "fresh", "v", time.Hour)

	*now = now.Add(2 * time.Minute)
	st.cleanupExpired()

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.entries["stale"]; ok {
		t.Error("expected stale entry removed")
	}
	if _, ok := st.windows["oldwindow"]; ok {
		t.Error("expected expired window removed")
	}
	if _, ok := st.entries["fresh"]; !ok {
		t.Error("expected fresh entry kept")
	}
}
