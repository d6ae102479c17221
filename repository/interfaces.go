package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trade-consensus/models"
)

// PickStore persists picks and their claim-and-lease state
type PickStore interface {
	// CreatePick returns ErrDuplicateID when the ID is already stored
	CreatePick(ctx context.Context, pick *models.Pick) error
	GetPick(ctx context.Context, id uuid.UUID) (*models.Pick, error)
	ListPicksBySymbol(ctx context.Context, symbol string, status models.PickStatus, limit int) ([]models.Pick, error)
	// ListResolvedPicksByAgent returns every terminal pick for agent
	ListResolvedPicksByAgent(ctx context.Context, agent string) ([]models.Pick, error)
	ListAgents(ctx context.Context) ([]string, error)

	// ClaimExpiredPicks leases up to limit expired PENDING picks to runner.
	// Picks whose lease has lapsed can be claimed again.
	ClaimExpiredPicks(ctx context.Context, runner string, now time.Time, lease time.Duration, limit int) ([]models.Pick, error)
	// ClaimPick leases one PENDING pick regardless of expiry; nil when the
	// pick is terminal or leased to another runner.
	ClaimPick(ctx context.Context, id uuid.UUID, runner string, now time.Time, lease time.Duration) (*models.Pick, error)
	ReleasePickClaims(ctx context.Context, runner string, ids []uuid.UUID) error
	// ResolvePick writes the terminal fields only if the pick is still
	// PENDING and reports whether the write applied.
	ResolvePick(ctx context.Context, id uuid.UUID, res models.Resolution) (bool, error)

	// ListIncompleteFanOut returns resolved picks whose downstream writes
	// have not all succeeded yet
	ListIncompleteFanOut(ctx context.Context, limit int) ([]models.Pick, error)
	MarkFanOutComplete(ctx context.Context, id uuid.UUID) error
}

// ConsensusStore persists consensus records
type ConsensusStore interface {
	CreateConsensus(ctx context.Context, c *models.ConsensusAssessment) error
	GetConsensus(ctx context.Context, id uuid.UUID) (*models.ConsensusAssessment, error)
	ListConsensusBySymbol(ctx context.Context, symbol string, limit int) ([]models.ConsensusAssessment, error)
	ListPendingConsensus(ctx context.Context, symbol string, createdBefore time.Time) ([]models.ConsensusAssessment, error)
	ListResolvedConsensus(ctx context.Context, limit int) ([]models.ConsensusAssessment, error)
	// ResolveConsensus is conditional on the record still being PENDING
	ResolveConsensus(ctx context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time) (bool, error)
	// ResolveConsensusWithStats resolves a PENDING record and applies fn to
	// its combination's stats atomically. fn is not called for an empty
	// combination key or when the record was already terminal.
	ResolveConsensusWithStats(ctx context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time, fn func(*models.ConsensusStats) error) (bool, error)
}

// CalibrationStore persists append-only calibration runs
type CalibrationStore interface {
	CreateCalibration(ctx context.Context, c *models.Calibration) error
	GetLatestCalibration(ctx context.Context, agent string) (*models.Calibration, error)
}

// FactorOutcomeStore persists the factor outcome log
type FactorOutcomeStore interface {
	// InsertFactorOutcome ignores duplicates on (factor_id, pick_id) and
	// reports whether a row was written.
	InsertFactorOutcome(ctx context.Context, o *models.FactorOutcome) (bool, error)
	// ListFactorOutcomes returns a factor's outcomes newest first
	ListFactorOutcomes(ctx context.Context, factorID string) ([]models.FactorOutcome, error)
	ListFactorIDs(ctx context.Context) ([]string, error)
}

// ConsensusStatsStore persists per-combination agreement stats
type ConsensusStatsStore interface {
	GetConsensusStats(ctx context.Context, key string) (*models.ConsensusStats, error)
	ListConsensusStats(ctx context.Context, limit int) ([]models.ConsensusStats, error)
	// UpdateConsensusStats runs fn against the row for key while holding a
	// row lock, creating the row if needed, and persists the result.
	UpdateConsensusStats(ctx context.Context, key string, fn func(*models.ConsensusStats) error) (*models.ConsensusStats, error)
}

// Store is everything the application persists
type Store interface {
	PickStore
	ConsensusStore
	CalibrationStore
	FactorOutcomeStore
	ConsensusStatsStore

	Health(ctx context.Context) error
	Close()
}

// Compile-time interface verification
var _ Store = (*Repository)(nil)
var _ Store = (*MemoryRepository)(nil)
