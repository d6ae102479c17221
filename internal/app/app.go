package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"trade-consensus/agents"
	"trade-consensus/config"
	"trade-consensus/models"
	"trade-consensus/services"
)

var (
	ErrNotInitialized = errors.New("not initialized")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrBusy           = errors.New("too many concurrent collections, try again later")
)

// pendingPickLimit bounds how many pending picks feed an on-demand consensus
const pendingPickLimit = 200

// RepositoryInterface defines the repository reads App serves directly
type RepositoryInterface interface {
	Close()
	Health(ctx context.Context) error
	GetPick(ctx context.Context, id uuid.UUID) (*models.Pick, error)
	ListPicksBySymbol(ctx context.Context, symbol string, status models.PickStatus, limit int) ([]models.Pick, error)
	ListConsensusBySymbol(ctx context.Context, symbol string, limit int) ([]models.ConsensusAssessment, error)
	GetConsensusStats(ctx context.Context, key string) (*models.ConsensusStats, error)
	ListConsensusStats(ctx context.Context, limit int) ([]models.ConsensusStats, error)
}

// ResolverInterface runs outcome resolution
type ResolverInterface interface {
	ResolvePendingPicks(ctx context.Context) *models.ResolutionSummary
	ForceResolve(ctx context.Context, pickID uuid.UUID) (*models.Pick, error)
}

// ConsensusInterface builds consensus verdicts
type ConsensusInterface interface {
	BuildConsensus(ctx context.Context, symbol string, picks []models.Pick) *models.ConsensusAssessment
}

// CalibrationInterface reads and refreshes agent calibrations
type CalibrationInterface interface {
	GetLatestCalibration(ctx context.Context, agent string) (*models.Calibration, error)
	Recompute(ctx context.Context, agent string) (*models.Calibration, error)
}

// FactorInterface reads factor performance
type FactorInterface interface {
	CalculateFactorStats(ctx context.Context, factorID string) (*models.FactorStats, error)
	GetTopPerformingFactors(ctx context.Context, limit, minUsage int) ([]models.FactorStats, error)
	GetWorstPerformingFactors(ctx context.Context, limit, minUsage int) ([]models.FactorStats, error)
}

// CollectorInterface gathers fresh picks from forecast providers
type CollectorInterface interface {
	Collect(ctx context.Context, symbol string) (*agents.CollectionResult, error)
	Providers() []string
}

// Deps are the components App exposes. Any of them may be nil, in which
// case the operations needing it return ErrNotInitialized.
type Deps struct {
	Repo        RepositoryInterface
	Resolver    ResolverInterface
	Consensus   ConsensusInterface
	Calibration CalibrationInterface
	Factors     FactorInterface
	Collector   CollectorInterface
}

// App is the facade the HTTP harness and scheduler call into
type App struct {
	cfg         *config.Config
	repo        RepositoryInterface
	resolver    ResolverInterface
	consensus   ConsensusInterface
	calibration CalibrationInterface
	factors     FactorInterface
	collector   CollectorInterface
	collectSem  chan struct{}
}

// New creates an App from its components
func New(cfg *config.Config, deps Deps) *App {
	limit := cfg.Collector.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	return &App{
		cfg:         cfg,
		repo:        deps.Repo,
		resolver:    deps.Resolver,
		consensus:   deps.Consensus,
		calibration: deps.Calibration,
		factors:     deps.Factors,
		collector:   deps.Collector,
		collectSem:  make(chan struct{}, limit),
	}
}

// Shutdown releases the repository
func (a *App) Shutdown() {
	if a.repo != nil {
		a.repo.Close()
	}
}

// ResolvePendingPicks runs one resolver sweep
func (a *App) ResolvePendingPicks(ctx context.Context) (*models.ResolutionSummary, error) {
	if a.resolver == nil {
		return nil, fmt.Errorf("resolver %w", ErrNotInitialized)
	}
	return a.resolver.ResolvePendingPicks(ctx), nil
}

// ForceResolve resolves a single pick now, whatever its expiry
func (a *App) ForceResolve(ctx context.Context, id string) (*models.Pick, error) {
	if a.resolver == nil {
		return nil, fmt.Errorf("resolver %w", ErrNotInitialized)
	}
	pickID, err := ParseUUID(id)
	if err != nil {
		return nil, err
	}
	return a.resolver.ForceResolve(ctx, pickID)
}

// GetPick returns one pick
func (a *App) GetPick(ctx context.Context, id string) (*models.Pick, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("database %w", ErrNotInitialized)
	}
	pickID, err := ParseUUID(id)
	if err != nil {
		return nil, err
	}
	p, err := a.repo.GetPick(ctx, pickID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pick %s %w", id, ErrNotFound)
	}
	return p, nil
}

// BuildConsensus fuses the symbol's currently pending picks into a verdict
func (a *App) BuildConsensus(ctx context.Context, symbol string) (*models.ConsensusAssessment, error) {
	if a.repo == nil || a.consensus == nil {
		return nil, fmt.Errorf("consensus builder %w", ErrNotInitialized)
	}
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	picks, err := a.repo.ListPicksBySymbol(ctx, symbol, models.PickStatusPending, pendingPickLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending picks for %s: %w", symbol, err)
	}
	return a.consensus.BuildConsensus(ctx, symbol, picks), nil
}

// ListConsensus returns the symbol's recent consensus records
func (a *App) ListConsensus(ctx context.Context, symbol string, limit int) ([]models.ConsensusAssessment, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("database %w", ErrNotInitialized)
	}
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return a.repo.ListConsensusBySymbol(ctx, symbol, limit)
}

// CollectForecasts asks every provider for a fresh pick on symbol. At most
// Collector.ConcurrencyLimit collections run at once; extra callers get
// ErrBusy instead of queueing.
func (a *App) CollectForecasts(ctx context.Context, symbol string) (*agents.CollectionResult, error) {
	if a.collector == nil {
		return nil, fmt.Errorf("collector %w", ErrNotInitialized)
	}
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	select {
	case a.collectSem <- struct{}{}:
		defer func() { <-a.collectSem }()
	default:
		return nil, ErrBusy
	}

	return a.collector.Collect(ctx, symbol)
}

// Providers lists the registered forecast providers
func (a *App) Providers() []string {
	if a.collector == nil {
		return []string{}
	}
	return a.collector.Providers()
}

// GetLatestCalibration returns the agent's newest calibration
func (a *App) GetLatestCalibration(ctx context.Context, agent string) (*models.Calibration, error) {
	if a.calibration == nil {
		return nil, fmt.Errorf("calibration engine %w", ErrNotInitialized)
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidInput)
	}
	c, err := a.calibration.GetLatestCalibration(ctx, agent)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("calibration for %s %w", agent, ErrNotFound)
	}
	return c, nil
}

// RecomputeCalibration recalibrates one agent now
func (a *App) RecomputeCalibration(ctx context.Context, agent string) (*models.Calibration, error) {
	if a.calibration == nil {
		return nil, fmt.Errorf("calibration engine %w", ErrNotInitialized)
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidInput)
	}
	c, err := a.calibration.Recompute(ctx, agent)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("resolved picks for %s %w", agent, ErrNotFound)
	}
	return c, nil
}

// GetTopPerformingFactors ranks factors by accuracy, best first
func (a *App) GetTopPerformingFactors(ctx context.Context, limit, minUsage int) ([]models.FactorStats, error) {
	if a.factors == nil {
		return nil, fmt.Errorf("factor tracker %w", ErrNotInitialized)
	}
	return a.factors.GetTopPerformingFactors(ctx, limit, minUsage)
}

// GetWorstPerformingFactors ranks factors by accuracy, worst first
func (a *App) GetWorstPerformingFactors(ctx context.Context, limit, minUsage int) ([]models.FactorStats, error) {
	if a.factors == nil {
		return nil, fmt.Errorf("factor tracker %w", ErrNotInitialized)
	}
	return a.factors.GetWorstPerformingFactors(ctx, limit, minUsage)
}

// GetFactorStats returns one factor's aggregated performance
func (a *App) GetFactorStats(ctx context.Context, factorID string) (*models.FactorStats, error) {
	if a.factors == nil {
		return nil, fmt.Errorf("factor tracker %w", ErrNotInitialized)
	}
	stats, err := a.factors.CalculateFactorStats(ctx, factorID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("factor %s %w", factorID, ErrNotFound)
	}
	return stats, nil
}

// GetConsensusStats returns the track record of one agent combination.
// The key may list agents in any order.
func (a *App) GetConsensusStats(ctx context.Context, key string) (*models.ConsensusStats, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("database %w", ErrNotInitialized)
	}
	normalized := models.CombinationKey(models.SplitCombinationKey(key))
	if normalized == "" {
		return nil, fmt.Errorf("%w: combination key is required", ErrInvalidInput)
	}
	stats, err := a.repo.GetConsensusStats(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("consensus stats for %s %w", normalized, ErrNotFound)
	}
	return stats, nil
}

// ListConsensusStats returns the most frequent agent combinations
func (a *App) ListConsensusStats(ctx context.Context, limit int) ([]models.ConsensusStats, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("database %w", ErrNotInitialized)
	}
	return a.repo.ListConsensusStats(ctx, limit)
}

// HealthStatus reports the state of the app's dependencies
type HealthStatus struct {
	Status          string                                   `json:"status"`
	Database        string                                   `json:"database"`
	Providers       []string                                 `json:"providers"`
	CircuitBreakers map[string]services.CircuitBreakerStatus `json:"circuit_breakers"`
}

// Health checks the database and circuit breakers. Any open breaker or
// unreachable database marks the app degraded.
func (a *App) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:          "ok",
		Database:        "not_configured",
		Providers:       a.Providers(),
		CircuitBreakers: services.GetGlobalRegistry().Status(),
	}

	if a.repo != nil {
		if err := a.repo.Health(ctx); err != nil {
			status.Database = "disconnected"
			status.Status = "degraded"
		} else {
			status.Database = "connected"
		}
	}

	for _, cb := range status.CircuitBreakers {
		if cb.State == "open" {
			status.Status = "degraded"
			break
		}
	}
	return status
}

// ParseUUID parses an ID taken from user input
func ParseUUID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid UUID %q", ErrInvalidInput, id)
	}
	return parsed, nil
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	return symbol, nil
}
