package app

import (
	"context"
	"errors"
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
	"trade-consensus/models"
	"trade-consensus/repository"
	"trade-consensus/resolver"
	"trade-consensus/services"
)

// testConfig returns a test configuration
func testConfig() *config.Config {
	return config.NewTestConfig()
}

type testEnv struct {
	repo *repository.MemoryRepository
	app  *App
}

// newTestEnv wires every component against one in-memory repository
func newTestEnv(t *testing.T, prices map[string]string) *testEnv {
	t.Helper()
	services.SetGlobalRegistry(services.NewCircuitBreakerRegistry(services.DefaultCircuitBreakerConfig))
	t.Cleanup(func() { services.SetGlobalRegistry(nil) })

	cfg := testConfig()
	repo := repository.NewMemoryRepository()
	engine := calibration.NewEngine(repo, cfg.Calibration, calibration.ColdStart)
	tracker := factors.NewTracker(repo)
	builder := consensus.NewBuilder(repo, engine, cfg.Consensus)

	lookup := services.PriceLookupFunc(func(_ context.Context, symbol string) (decimal.Decimal, error) {
		p, ok := prices[symbol]
		if !ok {
			return decimal.Zero, services.ErrNoPrice
		}
		return decimal.RequireFromString(p), nil
	})

	res := resolver.New(resolver.Deps{
		Store:       repo,
		Prices:      lookup,
		Factors:     tracker,
		Calibration: engine,
	}, cfg.Resolver)

	collector := agents.NewCollector(repo, lookup, builder, cfg.Collector)

	return &testEnv{
		repo: repo,
		app: New(cfg, Deps{
			Repo:        repo,
			Resolver:    res,
			Consensus:   builder,
			Calibration: engine,
			Factors:     tracker,
			Collector:   collector,
		}),
	}
}

func (e *testEnv) addPick(t *testing.T, agent, symbol string, dir models.Direction, expired bool) *models.Pick {
	t.Helper()
	p := models.NewPick(agent, symbol, dir, 70, models.Timeframe1W)
	p.EntryPrice = decimal.NewFromInt(100)
	p.TargetPrice = decimal.NewFromInt(110)
	p.StopLoss = decimal.NewFromInt(95)
	p.Factors = []models.FactorAssessment{
		{FactorID: "rsi", Name: "RSI", Interpretation: models.InterpretationBullish, Confidence: 70},
	}
	if expired {
		p.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
		p.ExpiresAt = time.Now().Add(-time.Hour)
	}
	require.NoError(t, e.repo.CreatePick(context.Background(), p))
	return p
}

func TestApp_NotInitialized(t *testing.T) {
	a := New(testConfig(), Deps{})
	ctx := context.Background()

	_, err := a.ResolvePendingPicks(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.ForceResolve(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.GetPick(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.BuildConsensus(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.ListConsensus(ctx, "AAPL", 10)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.CollectForecasts(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.GetLatestCalibration(ctx, "technical")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.RecomputeCalibration(ctx, "technical")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.GetTopPerformingFactors(ctx, 10, 5)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.GetWorstPerformingFactors(ctx, 10, 5)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.GetFactorStats(ctx, "rsi")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.GetConsensusStats(ctx, "a+b")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.ListConsensusStats(ctx, 10)
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.Empty(t, a.Providers())
	health := a.Health(ctx)
	assert.Equal(t, "not_configured", health.Database)

	a.Shutdown()
}

func TestApp_BuildConsensus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.addPick(t, "technical", "AAPL", models.DirectionUp, false)
	env.addPick(t, "fundamental", "AAPL", models.DirectionUp, false)
	env.addPick(t, "news", "MSFT", models.DirectionDown, false)

	c, err := env.app.BuildConsensus(ctx, " aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", c.Symbol)
	assert.Equal(t, models.DirectionUp, c.Direction)
	assert.Equal(t, []string{"fundamental", "technical"}, c.AgreeingAgents)

	stored, err := env.app.ListConsensus(ctx, "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, c.ID, stored[0].ID)

	_, err = env.app.BuildConsensus(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestApp_BuildConsensus_SinglePickIsDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addPick(t, "technical", "AAPL", models.DirectionUp, false)

	c, err := env.app.BuildConsensus(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionHold, c.Direction)
	assert.Zero(t, c.Strength)
}

func TestApp_ResolveAndForceResolve(t *testing.T) {
	env := newTestEnv(t, map[string]string{"AAPL": "112", "MSFT": "94"})
	ctx := context.Background()

	env.addPick(t, "technical", "AAPL", models.DirectionUp, true)
	live := env.addPick(t, "news", "MSFT", models.DirectionUp, false)

	summary, err := env.app.ResolvePendingPicks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Wins)

	resolved, err := env.app.ForceResolve(ctx, live.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.PickStatusLoss, resolved.Status)

	_, err = env.app.ForceResolve(ctx, live.ID.String())
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	_, err = env.app.ForceResolve(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.app.ForceResolve(ctx, uuid.NewString())
	assert.ErrorIs(t, err, resolver.ErrPickNotFound)
}

func TestApp_GetPick(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.addPick(t, "technical", "AAPL", models.DirectionUp, false)

	got, err := env.app.GetPick(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = env.app.GetPick(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApp_Calibration(t *testing.T) {
	env := newTestEnv(t, map[string]string{"AAPL": "112"})
	ctx := context.Background()

	_, err := env.app.GetLatestCalibration(ctx, "technical")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.app.RecomputeCalibration(ctx, "technical")
	assert.ErrorIs(t, err, ErrNotFound, "no resolved picks yet")
	_, err = env.app.GetLatestCalibration(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	env.addPick(t, "technical", "AAPL", models.DirectionUp, true)
	_, err = env.app.ResolvePendingPicks(ctx)
	require.NoError(t, err)

	c, err := env.app.GetLatestCalibration(ctx, "technical")
	require.NoError(t, err)
	assert.Equal(t, 1, c.TotalPicks)
	assert.Equal(t, 1.0, c.WinRate)

	again, err := env.app.RecomputeCalibration(ctx, "technical")
	require.NoError(t, err)
	assert.Equal(t, 1, again.TotalPicks)
}

func TestApp_Factors(t *testing.T) {
	env := newTestEnv(t, map[string]string{"AAPL": "112"})
	ctx := context.Background()

	_, err := env.app.GetFactorStats(ctx, "rsi")
	assert.ErrorIs(t, err, ErrNotFound)

	env.addPick(t, "technical", "AAPL", models.DirectionUp, true)
	_, err = env.app.ResolvePendingPicks(ctx)
	require.NoError(t, err)

	stats, err := env.app.GetFactorStats(ctx, "rsi")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalUses)
	assert.Equal(t, 1.0, stats.Accuracy)

	top, err := env.app.GetTopPerformingFactors(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "rsi", top[0].FactorID)

	worst, err := env.app.GetWorstPerformingFactors(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, worst, "below minimum usage")
}

func TestApp_ConsensusStats(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.repo.UpdateConsensusStats(ctx, "news+technical", func(s *models.ConsensusStats) error {
		s.Record(true, 4.2, "Technology")
		return nil
	})
	require.NoError(t, err)

	stats, err := env.app.GetConsensusStats(ctx, "technical+news")
	require.NoError(t, err)
	assert.Equal(t, "news+technical", stats.CombinationKey)
	assert.Equal(t, 1, stats.TimesAgreed)

	_, err = env.app.GetConsensusStats(ctx, "fundamental+news")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.app.GetConsensusStats(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	all, err := env.app.ListConsensusStats(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// blockingCollector holds every Collect until released
type blockingCollector struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingCollector) Collect(ctx context.Context, symbol string) (*agents.CollectionResult, error) {
	c.started <- struct{}{}
	<-c.release
	return &agents.CollectionResult{Symbol: symbol}, nil
}

func (c *blockingCollector) Providers() []string { return []string{"technical"} }

func TestApp_CollectForecasts_ConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.ConcurrencyLimit = 1
	collector := &blockingCollector{started: make(chan struct{}, 1), release: make(chan struct{})}
	a := New(cfg, Deps{Collector: collector})

	done := make(chan error, 1)
	go func() {
		_, err := a.CollectForecasts(context.Background(), "AAPL")
		done <- err
	}()
	<-collector.started

	_, err := a.CollectForecasts(context.Background(), "MSFT")
	assert.ErrorIs(t, err, ErrBusy)

	close(collector.release)
	require.NoError(t, <-done)

	_, err = a.CollectForecasts(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, []string{"technical"}, a.Providers())
}

type unhealthyRepo struct {
	*repository.MemoryRepository
}

func (unhealthyRepo) Health(context.Context) error { return errors.New("connection refused") }

func TestApp_Health(t *testing.T) {
	env := newTestEnv(t, nil)
	health := env.app.Health(context.Background())
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "connected", health.Database)

	a := New(testConfig(), Deps{Repo: unhealthyRepo{repository.NewMemoryRepository()}})
	health = a.Health(context.Background())
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "disconnected", health.Database)
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()
	parsed, err := ParseUUID(" " + id.String() + " ")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseUUID("invalid")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
