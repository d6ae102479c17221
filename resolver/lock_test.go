package resolver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Now()
	l.now = func() time.Time { return now }

	ok, err := l.Acquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.Acquire(ctx, "sweep", "b", time.Minute)
	assert.False(t, ok, "held lease blocks another owner")

	require.NoError(t, l.Release(ctx, "sweep", "b"))
	ok, _ = l.Acquire(ctx, "sweep", "b", time.Minute)
	assert.False(t, ok, "release by a non-owner is ignored")

	now = now.Add(2 * time.Minute)
	ok, _ = l.Acquire(ctx, "sweep", "b", time.Minute)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, l.Release(ctx, "sweep", "a"))
	ok, _ = l.Acquire(ctx, "sweep", "c", time.Minute)
	assert.False(t, ok, "stale owner cannot release the new lease")

	require.NoError(t, l.Release(ctx, "sweep", "b"))
	ok, _ = l.Acquire(ctx, "sweep", "c", time.Minute)
	assert.True(t, ok)
}

// getTestRedis returns a client for REDIS_URL, skipping when it is unset
func getTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisLocker(t *testing.T) {
	rdb := getTestRedis(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, key) })

	l := NewRedisLocker(rdb)

	ok, err := l.Acquire(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, key, "b"))
	assert.Equal(t, "a", rdb.Get(ctx, key).Val())

	require.NoError(t, l.Release(ctx, key, "a"))
	ok, err = l.Acquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
