package models

import (
	"time"

	"github.com/google/uuid"
)

// FactorOutcome is one (factor, pick) pair recorded at resolution time.
// Rows are never mutated after creation.
type FactorOutcome struct {
	ID             uuid.UUID      `json:"id"`
	FactorID       string         `json:"factor_id"`
	FactorName     string         `json:"factor_name"`
	PickID         uuid.UUID      `json:"pick_id"`
	Interpretation Interpretation `json:"interpretation"`
	Confidence     float64        `json:"confidence"`
	Outcome        PickStatus     `json:"outcome"`
	ActualReturn   float64        `json:"actual_return"`
	WasCorrect     bool           `json:"was_correct"`
	Agent          string         `json:"agent"`
	Sector         string         `json:"sector,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AccuracyBucket is an accuracy tally for one slice of a factor's history
type AccuracyBucket struct {
	Uses     int     `json:"uses"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Add folds one observation into the bucket
func (b *AccuracyBucket) Add(correct bool) {
	b.Uses++
	if correct {
		b.Correct++
	}
	b.Accuracy = float64(b.Correct) / float64(b.Uses)
}

// Factor trend labels
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// FactorStats is the read-side aggregate of a factor's outcome log
type FactorStats struct {
	FactorID          string                    `json:"factor_id"`
	Name              string                    `json:"name"`
	TotalUses         int                       `json:"total_uses"`
	Correct           int                       `json:"correct"`
	Accuracy          float64                   `json:"accuracy"`
	AvgReturn         float64                   `json:"avg_return"`
	ByInterpretation  map[string]AccuracyBucket `json:"by_interpretation"`
	ByAgent           map[string]AccuracyBucket `json:"by_agent"`
	BySector          map[string]AccuracyBucket `json:"by_sector"`
	ByConfidenceBand  map[string]AccuracyBucket `json:"by_confidence_band"`
	RecentAccuracy    float64                   `json:"recent_accuracy"`
	Trend             string                    `json:"trend"`
	RecommendedWeight float64                   `json:"recommended_weight"`
	LastUsed          time.Time                 `json:"last_used"`
}

// FactorWasCorrect reports whether a factor's reading was borne out. A bullish
// read is credited on any win; a bearish read only when the win came with a
// falling price.
func FactorWasCorrect(outcome PickStatus, interp Interpretation, actualReturn float64) bool {
	if outcome != PickStatusWin {
		return false
	}
	switch interp {
	case InterpretationBullish:
		return true
	case InterpretationBearish:
		return actualReturn < 0
	}
	return false
}
