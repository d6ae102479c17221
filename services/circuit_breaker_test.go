package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastTripConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     100 * time.Millisecond,
		MinRequests: 3,
	}
}

func TestCircuitBreakerRegistry_GetBreaker(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)

	b1 := registry.GetBreaker(BreakerAlpaca)
	b2 := registry.GetBreaker(BreakerAlpaca)
	b3 := registry.GetBreaker(ProviderBreakerName("momentum"))

	require.NotNil(t, b1)
	assert.Same(t, b1, b2)
	assert.NotSame(t, b1, b3)
}

func TestCircuitBreakerRegistry_Execute(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	result, err := registry.Execute(ctx, "svc", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	boom := errors.New("boom")
	_, err = registry.Execute(ctx, "svc", func() (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestCircuitBreakerRegistry_Execute_ContextCanceled(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := registry.Execute(ctx, "svc", func() (any, error) {
		called = true
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	// cancellation is not held against the dependency
	assert.Equal(t, uint32(0), registry.Status()["svc"].TotalFailures)
}

func TestCircuitBreakerRegistry_TripsAfterFailures(t *testing.T) {
	registry := NewCircuitBreakerRegistry(fastTripConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = registry.Execute(ctx, "flaky", func() (any, error) {
			return nil, errors.New("fail")
		})
	}
	assert.Equal(t, "open", registry.Status()["flaky"].State)

	called := false
	_, err := registry.Execute(ctx, "flaky", func() (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.False(t, called)
}

func TestCircuitBreakerRegistry_RecoversAfterTimeout(t *testing.T) {
	registry := NewCircuitBreakerRegistry(fastTripConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = registry.Execute(ctx, "recovering", func() (any, error) {
			return nil, errors.New("fail")
		})
	}
	require.Equal(t, "open", registry.Status()["recovering"].State)

	time.Sleep(150 * time.Millisecond)

	_, err := registry.Execute(ctx, "recovering", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", registry.Status()["recovering"].State)
}

func TestCircuitBreakerRegistry_Status(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	_, _ = registry.Execute(ctx, "a", func() (any, error) { return "ok", nil })
	_, _ = registry.Execute(ctx, "b", func() (any, error) { return nil, errors.New("fail") })

	status := registry.Status()
	require.Len(t, status, 2)
	assert.Equal(t, uint32(1), status["a"].TotalSuccesses)
	assert.Equal(t, uint32(1), status["b"].TotalFailures)
}

func TestWithCircuitBreaker_Typed(t *testing.T) {
	SetGlobalRegistry(NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig))
	ctx := context.Background()

	n, err := WithCircuitBreaker(ctx, "typed", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	s, err := WithCircuitBreaker(ctx, "typed", func() (string, error) { return "", errors.New("fail") })
	assert.Error(t, err)
	assert.Empty(t, s)
}

func TestCircuitBreakerRegistry_Concurrent(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := registry.Execute(ctx, "concurrent", func() (any, error) { return id, nil })
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint32(20), registry.Status()["concurrent"].TotalSuccesses)
}

func TestProviderBreakerName(t *testing.T) {
	assert.Equal(t, "provider:momentum", ProviderBreakerName("momentum"))
}
