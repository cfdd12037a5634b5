package store

import (
	"context"
	"sync"
	"time"
)

const memoryCleanupInterval = time.Minute

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store. Entries expire lazily on
// access plus a periodic cleanup pass.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	windows map[string]memoryWindow
	nowFn   func() time.Time // injectable clock for testing

	cancel func()
	wg     sync.WaitGroup
}

func NewMemoryStore() *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	st := &MemoryStore{
		entries: make(map[string]memoryEntry),
		windows: make(map[string]memoryWindow),
		nowFn:   time.Now,
		cancel:  cancel,
	}

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(memoryCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.cleanupExpired()
			}
		}
	}()

	return st
}

func (st *MemoryStore) IncrementWindow(_ context.Context, key string, window time.Duration) (WindowResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.nowFn()
	w, ok := st.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = memoryWindow{count: 0, resetAt: now.Add(window)}
	}
	w.count++
	st.windows[key] = w

	return WindowResult{Count: w.count, ResetAt: w.resetAt}, nil
}

func (st *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.nowFn()
	if e, ok := st.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	st.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (st *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[key]
	if !ok || !st.nowFn().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (st *MemoryStore) Delete(_ context.Context, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.entries, key)
	return nil
}

func (st *MemoryStore) Backend() string { return "memory" }

func (st *MemoryStore) Close() error {
	st.cancel()
	st.wg.Wait()
	return nil
}

func (st *MemoryStore) cleanupExpired() {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.nowFn()
	for key, e := range st.entries {
		if !now.Before(e.expiresAt) {
			delete(st.entries, key)
		}
	}
	for key, w := range st.windows {
		if !now.Before(w.resetAt) {
			delete(st.windows, key)
		}
	}
}
