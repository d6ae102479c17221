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

const consensusStatsColumns = `
	combination_key, agents, times_agreed, times_correct, accuracy_rate, avg_return,
	sector_results, best_sector, worst_sector, updated_at`

// GetConsensusStats returns the stats for a combination, or nil if none exist
func (r *Repository) GetConsensusStats(ctx context.Context, key string) (*models.ConsensusStats, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "consensus_stats")

	s, err := scanConsensusStats(r.db.QueryRow(ctx,
		`SELECT `+consensusStatsColumns+` FROM consensus_stats WHERE combination_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.RecordDBError("select", "consensus_stats")
		return nil, fmt.Errorf("failed to query consensus stats: %w", err)
	}
	return s, nil
}

// ListConsensusStats returns combinations ordered by how often they agreed
func (r *Repository) ListConsensusStats(ctx context.Context, limit int) ([]models.ConsensusStats, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+consensusStatsColumns+` FROM consensus_stats
		ORDER BY times_agreed DESC, combination_key
		LIMIT $1
	`, limit)
	if err != nil {
		observability.GetMetrics().RecordDBError("select", "consensus_stats")
		return nil, fmt.Errorf("failed to query consensus stats: %w", err)
	}
	defer rows.Close()

	var out []models.ConsensusStats
	for rows.Next() {
		s, err := scanConsensusStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consensus stats: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateConsensusStats applies fn to the row for key under SELECT ... FOR UPDATE.
// The row is created first if it does not exist, so concurrent updaters of the
// same combination serialize on the row lock.
func (r *Repository) UpdateConsensusStats(ctx context.Context, key string, fn func(*models.ConsensusStats) error) (*models.ConsensusStats, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("upsert", "consensus_stats")

	tx, txRepo, err := r.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	stats, err := txRepo.applyConsensusStats(ctx, key, fn)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.RecordDBError("upsert", "consensus_stats")
		return nil, fmt.Errorf("failed to commit consensus stats: %w", err)
	}
	return stats, nil
}

// ResolveConsensusWithStats moves a PENDING consensus record to a terminal
// status and applies fn to its combination's stats in one transaction. Stats
// are only touched when the status write applied.
func (r *Repository) ResolveConsensusWithStats(ctx context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time, fn func(*models.ConsensusStats) error) (bool, error) {
	if err := r.checkDB(); err != nil {
		return false, err
	}
	if !status.IsTerminal() {
		return false, models.ErrNotTerminal
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("update", "consensus_picks")

	tx, txRepo, err := r.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var key string
	err = txRepo.db.QueryRow(ctx, `
		UPDATE consensus_picks
		SET status = $2, actual_return = $3, resolved_at = $4
		WHERE id = $1 AND status = 'PENDING'
		RETURNING combination_key
	`, id, status, actualReturn, at).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		metrics.RecordDBError("update", "consensus_picks")
		return false, fmt.Errorf("failed to resolve consensus: %w", err)
	}

	if key != "" {
		if _, err := txRepo.applyConsensusStats(ctx, key, fn); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.RecordDBError("update", "consensus_picks")
		return false, fmt.Errorf("failed to commit consensus resolution: %w", err)
	}
	return true, nil
}

// applyConsensusStats seeds, locks and rewrites the stats row for key. It must
// run on a transaction-scoped Repository.
func (r *Repository) applyConsensusStats(ctx context.Context, key string, fn func(*models.ConsensusStats) error) (*models.ConsensusStats, error) {
	metrics := observability.GetMetrics()

	fresh := models.NewConsensusStats(key)
	agents, _ := jsonColumn(fresh.Agents)
	if _, err := r.db.Exec(ctx, `
		INSERT INTO consensus_stats (combination_key, agents, sector_results, updated_at)
		VALUES ($1, $2, '{}'::jsonb, now())
		ON CONFLICT (combination_key) DO NOTHING
	`, key, agents); err != nil {
		metrics.RecordDBError("upsert", "consensus_stats")
		return nil, fmt.Errorf("failed to seed consensus stats: %w", err)
	}

	stats, err := scanConsensusStats(r.db.QueryRow(ctx,
		`SELECT `+consensusStatsColumns+` FROM consensus_stats WHERE combination_key = $1 FOR UPDATE`, key))
	if err != nil {
		metrics.RecordDBError("upsert", "consensus_stats")
		return nil, fmt.Errorf("failed to lock consensus stats: %w", err)
	}

	if err := fn(stats); err != nil {
		return nil, err
	}

	sectors, err := jsonColumn(stats.SectorResults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sector results: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
		UPDATE consensus_stats
		SET times_agreed = $2, times_correct = $3, accuracy_rate = $4, avg_return = $5,
			sector_results = $6, best_sector = $7, worst_sector = $8, updated_at = $9
		WHERE combination_key = $1
	`, key, stats.TimesAgreed, stats.TimesCorrect, stats.AccuracyRate, stats.AvgReturn,
		sectors, stats.BestSector, stats.WorstSector, stats.UpdatedAt); err != nil {
		metrics.RecordDBError("upsert", "consensus_stats")
		return nil, fmt.Errorf("failed to update consensus stats: %w", err)
	}
	return stats, nil
}

func scanConsensusStats(row pgx.Row) (*models.ConsensusStats, error) {
	var s models.ConsensusStats
	var agents, sectors []byte
	err := row.Scan(&s.CombinationKey, &agents, &s.TimesAgreed, &s.TimesCorrect, &s.AccuracyRate, &s.AvgReturn,
		&sectors, &s.BestSector, &s.WorstSector, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(agents, &s.Agents); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}
	s.SectorResults = make(map[string]models.SectorResult)
	if err := scanJSON(sectors, &s.SectorResults); err != nil {
		return nil, fmt.Errorf("failed to decode sector results: %w", err)
	}
	return &s, nil
}
