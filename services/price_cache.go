package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"trade-consensus/observability"
)

// PriceCache stores recently fetched prices
type PriceCache interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) error
}

// RedisPriceCache keeps prices under stock:<SYMBOL>:price keys
type RedisPriceCache struct {
	rdb redis.Cmdable
}

// NewRedisPriceCache wraps an existing redis client
func NewRedisPriceCache(rdb redis.Cmdable) *RedisPriceCache {
	return &RedisPriceCache{rdb: rdb}
}

func priceKey(symbol string) string {
	return fmt.Sprintf("stock:%s:price", strings.ToUpper(symbol))
}

// GetPrice returns the cached price, reporting false on a miss
func (c *RedisPriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	val, err := c.rdb.Get(ctx, priceKey(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read cached price for %s: %w", symbol, err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse cached price for %s: %w", symbol, err)
	}
	return price, true, nil
}

// SetPrice caches a price with TTL
func (c *RedisPriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) error {
	return c.rdb.Set(ctx, priceKey(symbol), price.String(), ttl).Err()
}

// CachedPriceLookup serves prices from a cache in front of another lookup.
// Cache failures degrade to the underlying source.
type CachedPriceLookup struct {
	source PriceLookup
	cache  PriceCache
	ttl    time.Duration
}

// NewCachedPriceLookup creates a read-through cached lookup
func NewCachedPriceLookup(source PriceLookup, cache PriceCache, ttl time.Duration) *CachedPriceLookup {
	return &CachedPriceLookup{source: source, cache: cache, ttl: ttl}
}

// CurrentPrice implements PriceLookup
func (l *CachedPriceLookup) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	type hit struct {
		price decimal.Decimal
		ok    bool
	}
	cached, err := WithCircuitBreaker(ctx, BreakerPriceCache, func() (hit, error) {
		p, ok, err := l.cache.GetPrice(ctx, symbol)
		return hit{p, ok}, err
	})
	if err != nil {
		observability.WithSymbol(symbol).Warn("price cache read failed", "error", err)
	} else if cached.ok {
		return cached.price, nil
	}

	price, err := l.source.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	if err := l.cache.SetPrice(ctx, symbol, price, l.ttl); err != nil {
		observability.WithSymbol(symbol).Warn("price cache write failed", "error", err)
	}
	return price, nil
}
