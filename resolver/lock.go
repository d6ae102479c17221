package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants a single runner the right to sweep at a time
type Locker interface {
	// Acquire reports false, without error, when another owner holds the lock
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the lock only if owner still holds it
	Release(ctx context.Context, key, owner string) error
}

// releaseScript deletes the key only when it still carries our token, so an
// expired lease taken over by another runner is never released by us
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a lease lock shared by every runner pointed at one redis
type RedisLocker struct {
	rdb redis.UniversalClient
}

// NewRedisLocker creates a redis-backed lock
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

type localLease struct {
	owner   string
	expires time.Time
}

// LocalLocker is an in-process lock for single-instance deployments
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

// NewLocalLocker creates an in-process lock
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, held := l.leases[key]; held && lease.expires.After(now) {
		return false, nil
	}
	l.leases[key] = localLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, held := l.leases[key]; held && lease.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
