// Package e2e provides end-to-end testing infrastructure for trade-consensus.
package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-consensus/agents"
	"trade-consensus/calibration"
	"trade-consensus/config"
	"trade-consensus/consensus"
	"trade-consensus/e2e/mocks"
	"trade-consensus/factors"
	"trade-consensus/internal/api"
	"trade-consensus/internal/app"
	"trade-consensus/repository"
	"trade-consensus/resolver"
	"trade-consensus/services"
)

// TestHarness runs the full HTTP stack against mock forecast services and a
// controllable price feed. It uses PostgreSQL when E2E_DATABASE_URL is set
// and the in-memory store otherwise.
type TestHarness struct {
	t          *testing.T
	ctx        context.Context
	cancel     context.CancelFunc
	mockServer *mocks.MockServer
	repo       repository.Store
	pg         *repository.Repository
	app        *app.App
	router     http.Handler
	config     *config.Config

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewTestHarness creates a new test harness. Call Setup before use.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	return &TestHarness{
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		prices: make(map[string]decimal.Decimal),
	}
}

// Setup initializes all test dependencies
func (h *TestHarness) Setup() error {
	h.mockServer = mocks.NewMockServer().Start()
	h.config = h.createTestConfig()

	if dbURL := os.Getenv("E2E_DATABASE_URL"); dbURL != "" {
		if err := repository.Migrate(dbURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		repo, err := repository.NewRepository(h.ctx, dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to test database: %w", err)
		}
		h.pg = repo
		h.repo = repo
		h.cleanupTestData()
	} else {
		h.repo = repository.NewMemoryRepository()
	}

	prices := services.PriceLookupFunc(h.currentPrice)

	engine := calibration.NewEngine(h.repo, h.config.Calibration, calibration.ColdStart)
	tracker := factors.NewTracker(h.repo)
	builder := consensus.NewBuilder(h.repo, engine, h.config.Consensus)
	res := resolver.New(resolver.Deps{
		Store:       h.repo,
		Prices:      prices,
		Factors:     tracker,
		Calibration: engine,
	}, h.config.Resolver)

	collector := agents.NewCollector(h.repo, prices, builder, h.config.Collector)
	for _, name := range h.mockServer.Agents() {
		collector.Register(agents.NewRemoteProvider(name, h.mockServer.AgentURL(name)))
	}

	h.app = app.New(h.config, app.Deps{
		Repo:        h.repo,
		Resolver:    res,
		Consensus:   builder,
		Calibration: engine,
		Factors:     tracker,
		Collector:   collector,
	})

	handler := api.NewHandler(h.app, h.config)
	h.router = api.NewRouter(handler, h.config)

	return nil
}

// Teardown cleans up all test resources
func (h *TestHarness) Teardown() {
	if h.pg != nil {
		h.cleanupTestData()
	}

	if h.app != nil {
		h.app.Shutdown()
	}

	if h.mockServer != nil {
		h.mockServer.Close()
	}

	if h.cancel != nil {
		h.cancel()
	}
}

// Context returns the test context
func (h *TestHarness) Context() context.Context {
	return h.ctx
}

// MockServer returns the mock forecast services for configuring responses
func (h *TestHarness) MockServer() *mocks.MockServer {
	return h.mockServer
}

// Repository returns the store backing the harness
func (h *TestHarness) Repository() repository.Store {
	return h.repo
}

// App returns the application instance
func (h *TestHarness) App() *app.App {
	return h.app
}

// Config returns the test configuration
func (h *TestHarness) Config() *config.Config {
	return h.config
}

// SetPrice sets the market price the collector and resolver will see
func (h *TestHarness) SetPrice(symbol string, price float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(price)
}

func (h *TestHarness) currentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, services.ErrNoPrice
	}
	return p, nil
}

// DoRequest performs an HTTP request and returns the response
func (h *TestHarness) DoRequest(method, path string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *TestHarness) createTestConfig() *config.Config {
	cfg := config.NewTestConfig()
	cfg.Collector.ProviderTimeout = 5 * time.Second
	cfg.Collector.HealthCacheTTL = 0
	cfg.Collector.Providers = make(map[string]string)
	for _, name := range h.mockServer.Agents() {
		cfg.Collector.Providers[name] = h.mockServer.AgentURL(name)
	}
	return cfg
}

func (h *TestHarness) cleanupTestData() {
	tables := []string{
		"factor_outcomes",
		"consensus_stats",
		"consensus_picks",
		"calibrations",
		"picks",
	}

	for _, table := range tables {
		if _, err := h.pg.Pool().Exec(h.ctx, "DELETE FROM "+table); err != nil {
			h.t.Logf("cleanup failed for %s: %v", table, err)
		}
	}
}
