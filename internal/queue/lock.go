package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out short-TTL named locks so periodic jobs run at most once
// cluster-wide per sweep. A failed acquisition is a normal "already running
// elsewhere" skip, never an error condition. The same primitive serves as a
// short-lived dedup marker (acquire once, never release).
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

const lockPrefix = "pagerbell:lock:"

// RedisLocker implements Locker with SET NX PX
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a redis-backed locker
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock acquires the named lock if free. The lock expires on its own;
// there is no unlock.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, lockPrefix+name, "1", ttl).Result()
}

// MemoryLocker is the in-process Locker used in tests and single-node mode
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLocker creates a locker with an injectable clock; a nil clock
// uses real time
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryLocker{
		held: make(map[string]time.Time),
		now:  now,
	}
}

// TryLock acquires the named lock if free or expired
func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expiry, ok := l.held[name]; ok && expiry.After(now) {
		return false, nil
	}
	l.held[name] = now.Add(ttl)
	return true, nil
}
