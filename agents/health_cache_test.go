package agents

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthCache_GetSet(t *testing.T) {
	cache := NewHealthCache(30 * time.Second)
	assert.Equal(t, 30*time.Second, cache.TTL())

	_, fresh := cache.Get("news")
	assert.False(t, fresh, "empty cache is never fresh")

	cache.Set("news", true)
	cache.Set("technical", false)

	available, fresh := cache.Get("news")
	assert.True(t, fresh)
	assert.True(t, available)

	available, fresh = cache.Get("technical")
	assert.True(t, fresh)
	assert.False(t, available)
}

func TestHealthCache_Expiry(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	cache := NewHealthCache(time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set("news", true)
	now = now.Add(59 * time.Second)
	_, fresh := cache.Get("news")
	assert.True(t, fresh)

	now = now.Add(time.Second)
	_, fresh = cache.Get("news")
	assert.False(t, fresh)
}

func TestHealthCache_ZeroTTLDisablesCaching(t *testing.T) {
	cache := NewHealthCache(0)
	cache.Set("news", true)
	_, fresh := cache.Get("news")
	assert.False(t, fresh)
}

func TestHealthCache_Invalidate(t *testing.T) {
	cache := NewHealthCache(time.Minute)
	cache.Set("news", true)
	cache.Invalidate("news")
	_, fresh := cache.Get("news")
	assert.False(t, fresh)
}

func TestHealthCache_ConcurrentAccess(t *testing.T) {
	cache := NewHealthCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cache.Set("news", i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			cache.Get("news")
		}()
	}
	wg.Wait()

	_, fresh := cache.Get("news")
	assert.True(t, fresh)
}
