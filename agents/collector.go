package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trade-consensus/config"
	"trade-consensus/models"
	"trade-consensus/observability"
	"trade-consensus/services"
)

var (
	ErrNoProviders    = errors.New("no forecast providers registered")
	ErrSymbolRequired = errors.New("symbol is required")
	ErrNoPick         = errors.New("provider returned no pick")
)

// minConsensusPicks is the number of valid picks needed to build a consensus
const minConsensusPicks = 2

// ProviderFailure explains why a provider contributed no pick
type ProviderFailure struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

// CollectionResult is the outcome of one collection round for a symbol
type CollectionResult struct {
	Symbol    string                      `json:"symbol"`
	Snapshot  models.MarketSnapshot       `json:"snapshot"`
	Picks     []models.Pick               `json:"picks"`
	Failures  []ProviderFailure           `json:"failures,omitempty"`
	Consensus *models.ConsensusAssessment `json:"consensus,omitempty"`
}

// Collector asks every registered provider for a pick, keeps the valid
// ones and fuses them into a consensus
type Collector struct {
	mu        sync.RWMutex
	providers []ForecastProvider

	store        PickStore
	prices       services.PriceLookup
	builder      ConsensusBuilder
	health       *HealthCache
	timeout      time.Duration
	priceTimeout time.Duration
}

// NewCollector creates a Collector with no providers registered
func NewCollector(store PickStore, prices services.PriceLookup, builder ConsensusBuilder, cfg config.CollectorConfig) *Collector {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	priceTimeout := cfg.PriceTimeout
	if priceTimeout <= 0 {
		priceTimeout = 10 * time.Second
	}
	return &Collector{
		store:        store,
		prices:       prices,
		builder:      builder,
		health:       NewHealthCache(cfg.HealthCacheTTL),
		timeout:      timeout,
		priceTimeout: priceTimeout,
	}
}

// Register adds a provider. A second provider with the same name is ignored.
func (c *Collector) Register(p ForecastProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.providers {
		if existing.Name() == p.Name() {
			observability.Warn("provider already registered, ignoring", "agent", p.Name())
			return
		}
	}
	c.providers = append(c.providers, p)
}

// Providers returns the registered provider names in registration order
func (c *Collector) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

type providerResult struct {
	provider ForecastProvider
	pick     *models.Pick
	err      error
}

// Collect snapshots the symbol's price, fans out to every available
// provider and persists the picks that pass validation. A consensus is
// built once at least two picks were accepted. Individual provider
// failures are reported in the result, never returned as an error.
func (c *Collector) Collect(ctx context.Context, symbol string) (*CollectionResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrSymbolRequired
	}

	c.mu.RLock()
	providers := append([]ForecastProvider(nil), c.providers...)
	c.mu.RUnlock()
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	snapshot, err := c.snapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}

	result := &CollectionResult{Symbol: symbol, Snapshot: snapshot, Picks: []models.Pick{}}

	available := make([]ForecastProvider, 0, len(providers))
	for _, p := range providers {
		if c.isAvailable(ctx, p) {
			available = append(available, p)
			continue
		}
		observability.Warn("provider unavailable, skipping", "agent", p.Name(), "symbol", symbol)
		result.Failures = append(result.Failures, ProviderFailure{Agent: p.Name(), Reason: "provider unavailable"})
	}

	results := make([]providerResult, len(available))
	var g errgroup.Group
	for i, p := range available {
		g.Go(func() error {
			pick, err := c.generate(ctx, p, symbol, snapshot)
			results[i] = providerResult{provider: p, pick: pick, err: err}
			return nil
		})
	}
	_ = g.Wait()

	metrics := observability.GetMetrics()
	for _, r := range results {
		agent := r.provider.Name()
		if r.err != nil {
			metrics.RecordProviderError(agent, categorizeError(r.err))
			observability.Warn("provider failed", "agent", agent, "symbol", symbol, "error", r.err)
			result.Failures = append(result.Failures, ProviderFailure{Agent: agent, Reason: r.err.Error()})
			continue
		}

		if err := c.accept(ctx, agent, symbol, snapshot, r.pick); err != nil {
			result.Failures = append(result.Failures, ProviderFailure{Agent: agent, Reason: err.Error()})
			continue
		}
		result.Picks = append(result.Picks, *r.pick)
	}

	if len(result.Picks) >= minConsensusPicks {
		result.Consensus = c.builder.BuildConsensus(ctx, symbol, result.Picks)
	}

	observability.Info("collection complete",
		"symbol", symbol,
		"picks", len(result.Picks),
		"failures", len(result.Failures),
		"consensus", result.Consensus != nil)

	return result, nil
}

func (c *Collector) snapshot(ctx context.Context, symbol string) (models.MarketSnapshot, error) {
	priceCtx, cancel := context.WithTimeout(ctx, c.priceTimeout)
	defer cancel()

	price, err := c.prices.CurrentPrice(priceCtx, symbol)
	if err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("failed to snapshot %s: %w", symbol, err)
	}
	if !price.IsPositive() {
		return models.MarketSnapshot{}, fmt.Errorf("failed to snapshot %s: %w", symbol, services.ErrNoPrice)
	}
	return models.MarketSnapshot{Symbol: symbol, Price: price, AsOf: time.Now()}, nil
}

func (c *Collector) isAvailable(ctx context.Context, p ForecastProvider) bool {
	checker, ok := p.(HealthChecker)
	if !ok {
		return true
	}
	if available, fresh := c.health.Get(p.Name()); fresh {
		return available
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	available := checker.IsAvailable(checkCtx)
	c.health.Set(p.Name(), available)
	return available
}

// generate calls one provider under its timeout and circuit breaker. A
// provider that ignores its context is abandoned when the timeout fires.
func (c *Collector) generate(ctx context.Context, p ForecastProvider, symbol string, snapshot models.MarketSnapshot) (*models.Pick, error) {
	providerCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveProvider(p.Name())

	type outcome struct {
		pick *models.Pick
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		pick, err := services.WithCircuitBreaker(providerCtx, services.ProviderBreakerName(p.Name()), func() (*models.Pick, error) {
			pick, err := p.Generate(providerCtx, symbol, snapshot)
			if err == nil && pick == nil {
				err = ErrNoPick
			}
			return pick, err
		})
		done <- outcome{pick: pick, err: err}
	}()

	select {
	case o := <-done:
		return o.pick, o.err
	case <-providerCtx.Done():
		return nil, fmt.Errorf("provider timed out: %w", providerCtx.Err())
	}
}

// accept normalizes, validates and stores a provider's pick
func (c *Collector) accept(ctx context.Context, agent, symbol string, snapshot models.MarketSnapshot, pick *models.Pick) error {
	metrics := observability.GetMetrics()
	log := observability.WithAgent(agent)

	// the registered name is authoritative, whatever the payload claims
	pick.Agent = agent
	if pick.Symbol == "" {
		pick.Symbol = symbol
	}
	if !strings.EqualFold(pick.Symbol, symbol) {
		metrics.RecordPickRejected(agent)
		log.Warn("pick rejected", "symbol", symbol, "pick_symbol", pick.Symbol)
		return fmt.Errorf("invalid pick: symbol %s does not match %s", pick.Symbol, symbol)
	}
	// identity and resolution fields belong to this service, never the provider
	pick.ID = uuid.New()
	pick.ClosedPrice = decimal.Zero
	pick.ActualReturn = 0
	pick.HitTarget, pick.HitStopLoss = false, false
	pick.DaysHeld = 0
	pick.ResolvedAt = nil
	if pick.EntryPrice.IsZero() {
		pick.EntryPrice = snapshot.Price
	}

	dropped, err := pick.Validate()
	if err != nil {
		metrics.RecordPickRejected(agent)
		log.Warn("pick rejected", "symbol", symbol, "error", err)
		return fmt.Errorf("invalid pick: %w", err)
	}
	if dropped > 0 {
		log.Warn("dropped malformed factor assessments", "symbol", symbol, "dropped", dropped)
	}

	if pick.CreatedAt.IsZero() {
		pick.CreatedAt = snapshot.AsOf
	}
	if pick.ExpiresAt.IsZero() {
		pick.ExpiresAt = pick.CreatedAt.Add(pick.Timeframe.Duration())
	}

	if err := c.store.CreatePick(ctx, pick); err != nil {
		log.Error("failed to persist pick", "symbol", symbol, "pick_id", pick.ID, "error", err)
		return fmt.Errorf("failed to persist pick: %w", err)
	}

	metrics.RecordPickIngested(agent, string(pick.Direction))
	return nil
}

// categorizeError labels a provider error for metrics
func categorizeError(err error) string {
	if err == nil {
		return "none"
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, services.ErrServiceUnavailable):
		return "circuit_breaker"
	case errors.Is(err, ErrNoPick):
		return "empty"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "panicked"):
		return "panic"
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return "network"
	default:
		return "other"
	}
}
