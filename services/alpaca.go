package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"trade-consensus/observability"
)

// ErrNoPrice is returned when a source has no usable price for a symbol
var ErrNoPrice = errors.New("no price available")

// latestTradeFetcher is the slice of the Alpaca market data client used here
type latestTradeFetcher interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaPriceService resolves current prices from Alpaca's latest trade
type AlpacaPriceService struct {
	client latestTradeFetcher
	retry  RetryConfig
}

// NewAlpacaPriceService creates a price service backed by Alpaca market data.
// An empty dataURL uses the client's default endpoint.
func NewAlpacaPriceService(apiKey, apiSecret, dataURL string) *AlpacaPriceService {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   dataURL,
	})
	return &AlpacaPriceService{client: client, retry: DefaultRetryConfig}
}

// CurrentPrice returns the last traded price for symbol
func (s *AlpacaPriceService) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	metrics := observability.GetMetrics()
	metrics.RecordExternalAPIRequest(BreakerAlpaca, "latest_trade")
	timer := metrics.NewTimer()
	defer timer.ObserveExternalAPI(BreakerAlpaca, "latest_trade")

	var price decimal.Decimal
	err := WithRetry(ctx, s.retry, func() error {
		p, err := WithCircuitBreaker(ctx, BreakerAlpaca, func() (decimal.Decimal, error) {
			return s.latestTrade(ctx, symbol)
		})
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		metrics.RecordExternalAPIError(BreakerAlpaca, "latest_trade", errorType(err))
		return decimal.Zero, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	return price, nil
}

func (s *AlpacaPriceService) latestTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	// The SDK call takes no context; run it aside so the deadline still applies
	type result struct {
		trade *marketdata.Trade
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		trade, err := s.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		ch <- result{trade, err}
	}()

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return decimal.Zero, r.err
		}
		if r.trade == nil || r.trade.Price <= 0 {
			return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
		}
		return decimal.NewFromFloat(r.trade.Price), nil
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrServiceUnavailable):
		return "circuit_breaker"
	case errors.Is(err, ErrNoPrice):
		return "no_price"
	default:
		return "request"
	}
}
