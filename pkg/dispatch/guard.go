package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard suppresses duplicate job submissions. Acquire returns true when
// the caller won the key; a second Acquire for the same key inside the
// TTL returns false.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGuard is the multi-replica guard: SET NX EX makes acquisition
// atomic across processes.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard creates a guard on the given Redis client.
func NewRedisGuard(client redis.UniversalClient) *RedisGuard {
	return &RedisGuard{client: client, prefix: "sotto:job:"}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency guard: %w", err)
	}
	return ok, nil
}

// MemoryGuard is a single-process guard for tests and dev mode.
type MemoryGuard struct {
	mu      sync.Mutex
	expires map[string]time.Time

	now func() time.Time
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, ok := g.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	g.expires[key] = now.Add(ttl)

	// Opportunistic sweep so long-lived processes do not accumulate
	// expired keys.
	for k, until := range g.expires {
		if !now.Before(until) {
			delete(g.expires, k)
		}
	}
	return true, nil
}
