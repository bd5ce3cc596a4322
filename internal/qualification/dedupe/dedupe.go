// Package dedupe remembers inbound delivery ids for a short window so
// retried webhook deliveries are acknowledged without being processed twice.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper reports whether id is seen for the first time within the window.
// Forget releases an id whose delivery was not processed so a retry passes.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Memory keeps ids in process and sweeps expired ones lazily.
type Memory struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, seen: map[string]time.Time{}, now: time.Now}
}

func (m *Memory) FirstSeen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) > m.ttl {
		for k, expires := range m.seen {
			if now.After(expires) {
				delete(m.seen, k)
			}
		}
		m.lastSweep = now
	}

	if expires, ok := m.seen[id]; ok && now.Before(expires) {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	return nil
}

// Redis uses SET NX with the window as TTL, shared by every replica.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "leadqual:inbound"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+":"+id, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", id, err)
	}
	return ok, nil
}

func (r *Redis) Forget(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+":"+id).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}
