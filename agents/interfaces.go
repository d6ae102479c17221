package agents

import (
	"context"

	"trade-consensus/models"
)

// ForecastProvider produces one directional pick for a symbol. Adapters
// wrap whatever model or service actually forms the opinion.
type ForecastProvider interface {
	Name() string
	Generate(ctx context.Context, symbol string, snapshot models.MarketSnapshot) (*models.Pick, error)
}

// HealthChecker is implemented by providers that can report whether their
// backing service is reachable
type HealthChecker interface {
	IsAvailable(ctx context.Context) bool
}

// PickStore persists validated picks
type PickStore interface {
	CreatePick(ctx context.Context, p *models.Pick) error
}

// ConsensusBuilder fuses a symbol's picks into one verdict
type ConsensusBuilder interface {
	BuildConsensus(ctx context.Context, symbol string, picks []models.Pick) *models.ConsensusAssessment
}
