package services

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceLookup returns the current market price for a symbol. A lookup that
// does not complete within the caller's deadline counts as absent.
type PriceLookup interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceLookupFunc adapts a function to PriceLookup
type PriceLookupFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f PriceLookupFunc) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// Compile-time interface verification
var _ PriceLookup = (*AlpacaPriceService)(nil)
var _ PriceLookup = (*CachedPriceLookup)(nil)
var _ PriceLookup = PriceLookupFunc(nil)
