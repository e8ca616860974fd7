// Package presence tracks which users are attached to the signaling
// gateway. The information is advisory, a hint for the caller picker;
// the call handshake itself never consults it and stays unacknowledged.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records gateway attachments.
type Tracker interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)
}

const (
	onlineKey  = "signal:online"
	defaultTTL = 24 * time.Hour
)

// RedisTracker keeps the online set in Redis so every gateway instance
// sees the same picture.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker creates a tracker over the given client. The whole set
// expires after ttl so users are not shown online forever when gateways
// die without cleanup; every attach refreshes it. ttl <= 0 selects a day.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Add(ctx context.Context, userID string) error {
	if err := t.client.SAdd(ctx, onlineKey, userID).Err(); err != nil {
		return err
	}
	return t.client.Expire(ctx, onlineKey, t.ttl).Err()
}

func (t *RedisTracker) Remove(ctx context.Context, userID string) error {
	return t.client.SRem(ctx, onlineKey, userID).Err()
}

func (t *RedisTracker) Online(ctx context.Context) ([]string, error) {
	return t.client.SMembers(ctx, onlineKey).Result()
}

// MemoryTracker is an in-process Tracker for tests and single-node runs.
type MemoryTracker struct {
	mu     sync.Mutex
	online map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{online: make(map[string]struct{})}
}

func (t *MemoryTracker) Add(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[userID] = struct{}{}
	return nil
}

func (t *MemoryTracker) Remove(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, userID)
	return nil
}

// Online returns the current user ids in no particular order, matching
// the unordered Redis set.
func (t *MemoryTracker) Online(_ context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	return ids, nil
}
