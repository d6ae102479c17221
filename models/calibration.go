package models

import (
	"time"

	"github.com/google/uuid"
)

// FactorPerformance summarizes how one factor fared for one agent
type FactorPerformance struct {
	Uses     int     `json:"uses"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Calibration is one agent's historical accuracy profile as of a run.
// Runs are append-only; the latest one is the one consumed.
type Calibration struct {
	ID                    uuid.UUID                    `json:"id"`
	Agent                 string                       `json:"agent"`
	RunDate               time.Time                    `json:"run_date"`
	TotalPicks            int                          `json:"total_picks"`
	Wins                  int                          `json:"wins"`
	Losses                int                          `json:"losses"`
	Expired               int                          `json:"expired"`
	WinRate               float64                      `json:"win_rate"` // 0-1
	AvgReturn             float64                      `json:"avg_return"`
	AvgConfidence         float64                      `json:"avg_confidence"`
	ConfidenceCorrelation float64                      `json:"confidence_correlation"`
	OverconfidenceScore   float64                      `json:"overconfidence_score"` // positive = too confident
	FactorPerformance     map[string]FactorPerformance `json:"factor_performance"`
	BestSectors           []string                     `json:"best_sectors"`
	WorstSectors          []string                     `json:"worst_sectors"`
	BestConditions        []string                     `json:"best_conditions"`
	WorstConditions       []string                     `json:"worst_conditions"`
	Learnings             []string                     `json:"learnings"`
	Adjustments           []string                     `json:"adjustments"`
}
