package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"trade-consensus/models"
	"trade-consensus/observability"
)

// CreateCalibration appends a calibration run
func (r *Repository) CreateCalibration(ctx context.Context, c *models.Calibration) error {
	if err := r.checkDB(); err != nil {
		return err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("insert", "calibrations")

	factorPerf, err := jsonColumn(c.FactorPerformance)
	if err != nil {
		return fmt.Errorf("failed to marshal factor performance: %w", err)
	}
	if string(factorPerf) == "[]" {
		factorPerf = []byte("{}")
	}
	bestSectors, _ := jsonColumn(c.BestSectors)
	worstSectors, _ := jsonColumn(c.WorstSectors)
	bestConditions, _ := jsonColumn(c.BestConditions)
	worstConditions, _ := jsonColumn(c.WorstConditions)
	learnings, _ := jsonColumn(c.Learnings)
	adjustments, _ := jsonColumn(c.Adjustments)

	_, err = r.db.Exec(ctx, `
		INSERT INTO calibrations (id, agent, run_date, total_picks, wins, losses, expired,
			win_rate, avg_return, avg_confidence, confidence_correlation, overconfidence_score,
			factor_performance, best_sectors, worst_sectors, best_conditions, worst_conditions,
			learnings, adjustments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, c.ID, c.Agent, c.RunDate, c.TotalPicks, c.Wins, c.Losses, c.Expired,
		c.WinRate, c.AvgReturn, c.AvgConfidence, c.ConfidenceCorrelation, c.OverconfidenceScore,
		factorPerf, bestSectors, worstSectors, bestConditions, worstConditions,
		learnings, adjustments)
	if err != nil {
		metrics.RecordDBError("insert", "calibrations")
		return fmt.Errorf("failed to create calibration: %w", err)
	}
	return nil
}

// GetLatestCalibration returns an agent's most recent run, or nil if none exists
func (r *Repository) GetLatestCalibration(ctx context.Context, agent string) (*models.Calibration, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "calibrations")

	var c models.Calibration
	var factorPerf, bestSectors, worstSectors, bestConditions, worstConditions, learnings, adjustments []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, agent, run_date, total_picks, wins, losses, expired,
			win_rate, avg_return, avg_confidence, confidence_correlation, overconfidence_score,
			factor_performance, best_sectors, worst_sectors, best_conditions, worst_conditions,
			learnings, adjustments
		FROM calibrations
		WHERE agent = $1
		ORDER BY run_date DESC
		LIMIT 1
	`, agent).Scan(&c.ID, &c.Agent, &c.RunDate, &c.TotalPicks, &c.Wins, &c.Losses, &c.Expired,
		&c.WinRate, &c.AvgReturn, &c.AvgConfidence, &c.ConfidenceCorrelation, &c.OverconfidenceScore,
		&factorPerf, &bestSectors, &worstSectors, &bestConditions, &worstConditions,
		&learnings, &adjustments)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.RecordDBError("select", "calibrations")
		return nil, fmt.Errorf("failed to query calibration: %w", err)
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{factorPerf, &c.FactorPerformance},
		{bestSectors, &c.BestSectors},
		{worstSectors, &c.WorstSectors},
		{bestConditions, &c.BestConditions},
		{worstConditions, &c.WorstConditions},
		{learnings, &c.Learnings},
		{adjustments, &c.Adjustments},
	} {
		if err := scanJSON(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode calibration json column: %w", err)
		}
	}
	return &c, nil
}
