package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"trade-consensus/models"
	"trade-consensus/observability"
)

const consensusColumns = `
	id, symbol, votes, direction, strength, confidence, agreeing_agents,
	combination_key, reasoning, similar_setups, status, actual_return,
	created_at, resolved_at`

// CreateConsensus inserts a consensus record
func (r *Repository) CreateConsensus(ctx context.Context, c *models.ConsensusAssessment) error {
	if err := r.checkDB(); err != nil {
		return err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("insert", "consensus_picks")

	votes, err := jsonColumn(c.Votes)
	if err != nil {
		return fmt.Errorf("failed to marshal votes: %w", err)
	}
	agreeing, _ := jsonColumn(c.AgreeingAgents)
	similar, err := jsonColumn(c.SimilarSetups)
	if err != nil {
		return fmt.Errorf("failed to marshal similar setups: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO consensus_picks (id, symbol, votes, direction, strength, confidence, agreeing_agents,
			combination_key, reasoning, similar_setups, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.Symbol, votes, c.Direction, c.Strength, c.Confidence, agreeing,
		c.CombinationKey, c.Reasoning, similar, c.Status, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: consensus %s", ErrDuplicateID, c.ID)
	}
	if err != nil {
		metrics.RecordDBError("insert", "consensus_picks")
		return fmt.Errorf("failed to create consensus: %w", err)
	}
	return nil
}

// GetConsensus returns a consensus record by ID, or nil if it does not exist
func (r *Repository) GetConsensus(ctx context.Context, id uuid.UUID) (*models.ConsensusAssessment, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	c, err := scanConsensus(r.db.QueryRow(ctx, `SELECT `+consensusColumns+` FROM consensus_picks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		observability.GetMetrics().RecordDBError("select", "consensus_picks")
		return nil, fmt.Errorf("failed to query consensus: %w", err)
	}
	return c, nil
}

// ListConsensusBySymbol returns a symbol's consensus records newest first
func (r *Repository) ListConsensusBySymbol(ctx context.Context, symbol string, limit int) ([]models.ConsensusAssessment, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return r.queryConsensus(ctx, `
		SELECT `+consensusColumns+` FROM consensus_picks
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, symbol, limit)
}

// ListPendingConsensus returns a symbol's PENDING records created at or before createdBefore
func (r *Repository) ListPendingConsensus(ctx context.Context, symbol string, createdBefore time.Time) ([]models.ConsensusAssessment, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	return r.queryConsensus(ctx, `
		SELECT `+consensusColumns+` FROM consensus_picks
		WHERE symbol = $1 AND status = 'PENDING' AND created_at <= $2
		ORDER BY created_at
	`, symbol, createdBefore)
}

// ListResolvedConsensus returns the most recently created terminal records
func (r *Repository) ListResolvedConsensus(ctx context.Context, limit int) ([]models.ConsensusAssessment, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	return r.queryConsensus(ctx, `
		SELECT `+consensusColumns+` FROM consensus_picks
		WHERE status <> 'PENDING'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
}

// ResolveConsensus moves a PENDING record to a terminal status
func (r *Repository) ResolveConsensus(ctx context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time) (bool, error) {
	if err := r.checkDB(); err != nil {
		return false, err
	}
	if !status.IsTerminal() {
		return false, models.ErrNotTerminal
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("update", "consensus_picks")

	tag, err := r.db.Exec(ctx, `
		UPDATE consensus_picks
		SET status = $2, actual_return = $3, resolved_at = $4
		WHERE id = $1 AND status = 'PENDING'
	`, id, status, actualReturn, at)
	if err != nil {
		metrics.RecordDBError("update", "consensus_picks")
		return false, fmt.Errorf("failed to resolve consensus: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) queryConsensus(ctx context.Context, sql string, args ...any) ([]models.ConsensusAssessment, error) {
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "consensus_picks")

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		metrics.RecordDBError("select", "consensus_picks")
		return nil, fmt.Errorf("failed to query consensus: %w", err)
	}
	defer rows.Close()

	var out []models.ConsensusAssessment
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			metrics.RecordDBError("select", "consensus_picks")
			return nil, fmt.Errorf("failed to scan consensus: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConsensus(row pgx.Row) (*models.ConsensusAssessment, error) {
	var c models.ConsensusAssessment
	var votes, agreeing, similar []byte
	var actualReturn *float64

	err := row.Scan(&c.ID, &c.Symbol, &votes, &c.Direction, &c.Strength, &c.Confidence, &agreeing,
		&c.CombinationKey, &c.Reasoning, &similar, &c.Status, &actualReturn,
		&c.CreatedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if actualReturn != nil {
		c.ActualReturn = *actualReturn
	}
	if err := scanJSON(votes, &c.Votes); err != nil {
		return nil, fmt.Errorf("failed to decode votes: %w", err)
	}
	if err := scanJSON(agreeing, &c.AgreeingAgents); err != nil {
		return nil, fmt.Errorf("failed to decode agreeing agents: %w", err)
	}
	if err := scanJSON(similar, &c.SimilarSetups); err != nil {
		return nil, fmt.Errorf("failed to decode similar setups: %w", err)
	}
	return &c, nil
}
