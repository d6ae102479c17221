package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-consensus/models"
	"trade-consensus/services"
)

func fastRetry() services.RetryConfig {
	return services.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRemoteProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/forecast", r.URL.Path)

		var req forecastRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AAPL", req.Symbol)
		assert.True(t, req.Snapshot.Price.Equal(decimal.NewFromInt(180)))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"symbol": "AAPL",
			"direction": "UP",
			"confidence": 72,
			"timeframe": "1M",
			"target_price": "198.50",
			"stop_loss": "171",
			"factors": [{"factor_id": "rsi", "name": "RSI", "interpretation": "BULLISH", "confidence": 65}]
		}`))
	}))
	defer srv.Close()

	p := NewRemoteProvider("technical", srv.URL+"/")
	assert.Equal(t, "technical", p.Name())

	snapshot := models.MarketSnapshot{Symbol: "AAPL", Price: decimal.NewFromInt(180), AsOf: time.Now()}
	pick, err := p.Generate(context.Background(), "AAPL", snapshot)
	require.NoError(t, err)

	assert.Equal(t, models.DirectionUp, pick.Direction)
	assert.Equal(t, 72.0, pick.Confidence)
	assert.Equal(t, models.Timeframe1M, pick.Timeframe)
	assert.True(t, pick.TargetPrice.Equal(decimal.RequireFromString("198.5")))
	require.Len(t, pick.Factors, 1)
	assert.Equal(t, models.InterpretationBullish, pick.Factors[0].Interpretation)
}

func TestRemoteProvider_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"direction": "DOWN", "confidence": 55, "timeframe": "2W"}`))
	}))
	defer srv.Close()

	p := NewRemoteProvider("news", srv.URL)
	p.retry = fastRetry()

	pick, err := p.Generate(context.Background(), "AAPL", models.MarketSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionDown, pick.Direction)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRemoteProvider_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown symbol", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewRemoteProvider("news", srv.URL)
	p.retry = fastRetry()

	_, err := p.Generate(context.Background(), "ZZZZ", models.MarketSnapshot{})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrPermanent)
	assert.Contains(t, err.Error(), "unknown symbol")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteProvider_IsAvailable(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	p := NewRemoteProvider("news", srv.URL)
	assert.True(t, p.IsAvailable(context.Background()))

	healthy.Store(false)
	assert.False(t, p.IsAvailable(context.Background()))

	srv.Close()
	assert.False(t, p.IsAvailable(context.Background()))
}
