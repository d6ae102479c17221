package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"trade-consensus/models"
	"trade-consensus/observability"
)

// InsertFactorOutcome writes one outcome row; a repeat for the same
// (factor_id, pick_id) is ignored
func (r *Repository) InsertFactorOutcome(ctx context.Context, o *models.FactorOutcome) (bool, error) {
	if err := r.checkDB(); err != nil {
		return false, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("insert", "factor_outcomes")

	tag, err := r.db.Exec(ctx, `
		INSERT INTO factor_outcomes (id, factor_id, factor_name, pick_id, interpretation, confidence,
			outcome, actual_return, was_correct, agent, sector, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (factor_id, pick_id) DO NOTHING
	`, o.ID, o.FactorID, o.FactorName, o.PickID, o.Interpretation, o.Confidence,
		o.Outcome, o.ActualReturn, o.WasCorrect, o.Agent, o.Sector, o.CreatedAt)
	if err != nil {
		metrics.RecordDBError("insert", "factor_outcomes")
		return false, fmt.Errorf("failed to insert factor outcome: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFactorOutcomes returns a factor's outcomes newest first
func (r *Repository) ListFactorOutcomes(ctx context.Context, factorID string) ([]models.FactorOutcome, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "factor_outcomes")

	rows, err := r.db.Query(ctx, `
		SELECT id, factor_id, factor_name, pick_id, interpretation, confidence,
			outcome, actual_return, was_correct, agent, sector, created_at
		FROM factor_outcomes
		WHERE factor_id = $1
		ORDER BY created_at DESC, id
	`, factorID)
	if err != nil {
		metrics.RecordDBError("select", "factor_outcomes")
		return nil, fmt.Errorf("failed to query factor outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.FactorOutcome
	for rows.Next() {
		var o models.FactorOutcome
		if err := rows.Scan(&o.ID, &o.FactorID, &o.FactorName, &o.PickID, &o.Interpretation, &o.Confidence,
			&o.Outcome, &o.ActualReturn, &o.WasCorrect, &o.Agent, &o.Sector, &o.CreatedAt); err != nil {
			metrics.RecordDBError("select", "factor_outcomes")
			return nil, fmt.Errorf("failed to scan factor outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListFactorIDs returns every factor with at least one recorded outcome
func (r *Repository) ListFactorIDs(ctx context.Context) ([]string, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT DISTINCT factor_id FROM factor_outcomes ORDER BY factor_id`)
	if err != nil {
		observability.GetMetrics().RecordDBError("select", "factor_outcomes")
		return nil, fmt.Errorf("failed to query factor ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
