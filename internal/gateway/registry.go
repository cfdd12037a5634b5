package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/termlab/termgate/internal/store"
)

const sessionKeyPrefix = "session:"

// RegistryEntry records who holds the single-session lock for a user.
type RegistryEntry struct {
	UserID      string    `json:"userId"`
	ClientIP    string    `json:"clientIp"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry enforces at most one active session per user across the whole
// deployment. Entries carry a TTL so a lost delete signal self-heals.
type Registry struct {
	store store.Store
	ttl   time.Duration
}

func NewRegistry(st store.Store, ttl time.Duration) *Registry {
	return &Registry{store: st, ttl: ttl}
}

// Acquire claims the session slot for userID. Returns false when the user
// already holds an active session somewhere.
func (reg *Registry) Acquire(ctx context.Context, userID, clientIP string) (bool, error) {
	entry, err := json.Marshal(RegistryEntry{
		UserID:      userID,
		ClientIP:    clientIP,
		ConnectedAt: time.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal registry entry: %w", err)
	}

	ok, err := reg.store.SetIfAbsent(ctx, sessionKeyPrefix+userID, string(entry), reg.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire session slot: %w", err)
	}
	return ok, nil
}

// Release frees the session slot. Idempotent; releasing an absent entry is
// fine.
func (reg *Registry) Release(ctx context.Context, userID string) error {
	return reg.store.Delete(ctx, sessionKeyPrefix+userID)
}
