package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-consensus/agents"
	"trade-consensus/calibration"
	"trade-consensus/config"
	"trade-consensus/consensus"
	"trade-consensus/factors"
	"trade-consensus/internal/app"
	"trade-consensus/models"
	"trade-consensus/repository"
	"trade-consensus/resolver"
	"trade-consensus/services"
)

// staticProvider always forecasts the same direction
type staticProvider struct {
	name      string
	direction models.Direction
}

func (p staticProvider) Name() string { return p.name }

func (p staticProvider) Generate(_ context.Context, symbol string, snapshot models.MarketSnapshot) (*models.Pick, error) {
	return &models.Pick{
		Symbol:      symbol,
		Direction:   p.direction,
		Confidence:  75,
		Timeframe:   models.Timeframe1W,
		TargetPrice: snapshot.Price.Add(decimal.NewFromInt(10)),
		StopLoss:    snapshot.Price.Sub(decimal.NewFromInt(5)),
		Factors: []models.FactorAssessment{
			{FactorID: "momentum", Name: "Momentum", Interpretation: models.InterpretationBullish, Confidence: 70},
		},
	}, nil
}

type testServer struct {
	repo   *repository.MemoryRepository
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	services.SetGlobalRegistry(services.NewCircuitBreakerRegistry(services.DefaultCircuitBreakerConfig))
	t.Cleanup(func() { services.SetGlobalRegistry(nil) })

	cfg := config.NewTestConfig()
	repo := repository.NewMemoryRepository()
	engine := calibration.NewEngine(repo, cfg.Calibration, calibration.ColdStart)
	tracker := factors.NewTracker(repo)
	builder := consensus.NewBuilder(repo, engine, cfg.Consensus)
	prices := services.PriceLookupFunc(func(_ context.Context, symbol string) (decimal.Decimal, error) {
		if symbol == "NOPE" {
			return decimal.Zero, services.ErrNoPrice
		}
		return decimal.NewFromInt(100), nil
	})

	collector := agents.NewCollector(repo, prices, builder, cfg.Collector)
	collector.Register(staticProvider{name: "technical", direction: models.DirectionUp})
	collector.Register(staticProvider{name: "fundamental", direction: models.DirectionUp})

	a := app.New(cfg, app.Deps{
		Repo: repo,
		Resolver: resolver.New(resolver.Deps{
			Store:       repo,
			Prices:      prices,
			Factors:     tracker,
			Calibration: engine,
		}, cfg.Resolver),
		Consensus:   builder,
		Calibration: engine,
		Factors:     tracker,
		Collector:   collector,
	})
	return &testServer{repo: repo, router: NewRouter(NewHandler(a, cfg), cfg)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	health := decode[app.HealthStatus](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "connected", health.Database)
	assert.Equal(t, []string{"technical", "fundamental"}, health.Providers)
}

func TestHandler_Providers(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"providers":["technical","fundamental"]}`, w.Body.String())
}

func TestHandler_CollectThenResolve(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/collect", CollectRequest{Symbol: "aapl"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[agents.CollectionResult](t, w)
	assert.Equal(t, "AAPL", result.Symbol)
	require.Len(t, result.Picks, 2)
	require.NotNil(t, result.Consensus)
	assert.Equal(t, models.DirectionUp, result.Consensus.Direction)

	pickID := result.Picks[0].ID
	w = s.do(t, http.MethodGet, "/api/picks/"+pickID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PickStatusPending, decode[models.Pick](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/picks/"+pickID.String()+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decode[models.Pick](t, w)
	// an UP pick that never moved is a loss
	assert.Equal(t, models.PickStatusLoss, resolved.Status)

	w = s.do(t, http.MethodPost, "/api/picks/"+pickID.String()+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/calibrations/"+resolved.Agent, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[models.Calibration](t, w).TotalPicks)

	w = s.do(t, http.MethodGet, "/api/factors/momentum", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.FactorStats](t, w).TotalUses)

	w = s.do(t, http.MethodGet, "/api/factors/top?limit=5&min_usage=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.FactorStats](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/factors/worst", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]models.FactorStats](t, w))
}

func TestHandler_Collect_Errors(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/collect", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/collect", CollectRequest{Symbol: " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/collect", CollectRequest{Symbol: "NOPE"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandler_ResolvePendingPicks(t *testing.T) {
	s := newTestServer(t)

	p := models.NewPick("technical", "AAPL", models.DirectionUp, 70, models.Timeframe1W)
	p.EntryPrice = decimal.NewFromInt(90)
	p.TargetPrice = decimal.NewFromInt(99)
	p.StopLoss = decimal.NewFromInt(85)
	p.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
	p.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.repo.CreatePick(context.Background(), p))

	w := s.do(t, http.MethodPost, "/api/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[models.ResolutionSummary](t, w)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Wins)
}

func TestHandler_Consensus(t *testing.T) {
	s := newTestServer(t)

	for _, agent := range []string{"technical", "news"} {
		p := models.NewPick(agent, "MSFT", models.DirectionDown, 65, models.Timeframe1M)
		p.EntryPrice = decimal.NewFromInt(100)
		require.NoError(t, s.repo.CreatePick(context.Background(), p))
	}

	w := s.do(t, http.MethodPost, "/api/consensus/msft", nil)
	require.Equal(t, http.StatusOK, w.Code)
	c := decode[models.ConsensusAssessment](t, w)
	assert.Equal(t, models.DirectionDown, c.Direction)
	assert.Equal(t, "news+technical", c.CombinationKey)

	w = s.do(t, http.MethodGet, "/api/consensus/MSFT?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ConsensusAssessment](t, w), 1)
}

func TestHandler_ConsensusStats(t *testing.T) {
	s := newTestServer(t)
	_, err := s.repo.UpdateConsensusStats(context.Background(), "news+technical", func(st *models.ConsensusStats) error {
		st.Record(true, 3, "Technology")
		st.Record(false, -2, "Technology")
		return nil
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/consensus-stats/technical+news", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[models.ConsensusStats](t, w)
	assert.Equal(t, 2, stats.TimesAgreed)
	assert.Equal(t, 0.5, stats.AccuracyRate)

	w = s.do(t, http.MethodGet, "/api/consensus-stats/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ConsensusStats](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/consensus-stats/fundamental", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_NotFoundAndBadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/picks/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/api/picks/" + uuid.NewString(), http.StatusNotFound},
		{http.MethodPost, "/api/picks/" + uuid.NewString() + "/resolve", http.StatusNotFound},
		{http.MethodGet, "/api/calibrations/unknown", http.StatusNotFound},
		{http.MethodPost, "/api/calibrations/unknown/recompute", http.StatusNotFound},
		{http.MethodGet, "/api/factors/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestHandler_NotInitialized(t *testing.T) {
	cfg := config.NewTestConfig()
	router := NewRouter(NewHandler(app.New(cfg, app.Deps{}), cfg), cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/resolve", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestParseLimitParam(t *testing.T) {
	h := &Handler{}
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"?limit=5", 5},
		{"?limit=0", 20},
		{"?limit=abc", 20},
		{"?limit=100000", maxListLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/factors/top"+tt.query, nil)
		assert.Equal(t, tt.want, h.ParseLimitParam(r, 20), tt.query)
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, statusFor(app.ErrBusy))
	assert.Equal(t, http.StatusConflict, statusFor(resolver.ErrPickClaimed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(agents.ErrNoProviders))
	assert.Equal(t, http.StatusBadGateway, statusFor(services.ErrServiceUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
