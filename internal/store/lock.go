package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker guards a named job so at most one holder runs it at a time, across
// processes when backed by Redis. Leases expire after ttl so a crashed holder
// cannot wedge the job forever.
type Locker interface {
	// Acquire takes the lease for name if it is free or expired.
	// Returns false, nil when another holder owns it.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release drops the lease if holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

// --- In-memory ---

type lease struct {
	holder  string
	expires time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLocker creates an in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (m *MemoryLocker) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[name]; ok && cur.holder != holder && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[name]; ok && cur.holder == holder {
		delete(m.leases, name)
	}
	return nil
}

// --- Redis ---

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (r *RedisLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, cycleLockKey(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

func (r *RedisLocker) Release(ctx context.Context, name, holder string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{cycleLockKey(name)}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
