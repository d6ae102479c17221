package factors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"trade-consensus/models"
	"trade-consensus/observability"
)

// Confidence bands
const (
	BandLow    = "low"
	BandMedium = "medium"
	BandHigh   = "high"
)

const (
	RecentWindow   = 20
	TrendThreshold = 0.05

	defaultLimit    = 10
	defaultMinUsage = 5
)

// Store is the factor outcome log
type Store interface {
	InsertFactorOutcome(ctx context.Context, o *models.FactorOutcome) (bool, error)
	ListFactorOutcomes(ctx context.Context, factorID string) ([]models.FactorOutcome, error)
	ListFactorIDs(ctx context.Context) ([]string, error)
}

// Tracker records factor outcomes and derives per-factor accuracy
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a factor tracker
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// ConfidenceBand buckets a factor confidence
func ConfidenceBand(confidence float64) string {
	switch {
	case confidence >= 75:
		return BandHigh
	case confidence >= 50:
		return BandMedium
	default:
		return BandLow
	}
}

// RecordFactorOutcome writes one outcome per factor the pick cited and
// returns how many were new. Rows already recorded for this pick are skipped,
// so calling it twice never double counts. A failed row does not stop the
// others; all failures are returned joined.
func (t *Tracker) RecordFactorOutcome(ctx context.Context, pick *models.Pick, outcome models.PickStatus, actualReturn float64) (int, error) {
	if !outcome.IsTerminal() {
		return 0, fmt.Errorf("factor outcome for pick %s: %w", pick.ID, models.ErrNotTerminal)
	}

	metrics := observability.GetMetrics()
	now := t.now()
	var (
		recorded int
		errs     []error
	)
	for _, f := range pick.Factors {
		correct := models.FactorWasCorrect(outcome, f.Interpretation, actualReturn)
		o := &models.FactorOutcome{
			ID:             uuid.New(),
			FactorID:       f.FactorID,
			FactorName:     f.Name,
			PickID:         pick.ID,
			Interpretation: f.Interpretation,
			Confidence:     f.Confidence,
			Outcome:        outcome,
			ActualReturn:   actualReturn,
			WasCorrect:     correct,
			Agent:          pick.Agent,
			Sector:         pick.Sector,
			CreatedAt:      now,
		}
		inserted, err := t.store.InsertFactorOutcome(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("factor %s: %w", f.FactorID, err))
			continue
		}
		if inserted {
			recorded++
			metrics.RecordFactorOutcome(correct)
		}
	}

	if len(errs) > 0 {
		observability.WithPick(pick.ID, pick.Symbol).Warn("some factor outcomes were not recorded",
			"failed", len(errs), "recorded", recorded)
	}
	return recorded, errors.Join(errs...)
}

// CalculateFactorStats aggregates a factor's full outcome log. It returns nil
// for a factor that has never been resolved.
func (t *Tracker) CalculateFactorStats(ctx context.Context, factorID string) (*models.FactorStats, error) {
	outcomes, err := t.store.ListFactorOutcomes(ctx, factorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcomes for factor %s: %w", factorID, err)
	}
	if len(outcomes) == 0 {
		return nil, nil
	}
	return aggregate(factorID, outcomes), nil
}

// aggregate expects outcomes newest first
func aggregate(factorID string, outcomes []models.FactorOutcome) *models.FactorStats {
	s := &models.FactorStats{
		FactorID:         factorID,
		ByInterpretation: make(map[string]models.AccuracyBucket),
		ByAgent:          make(map[string]models.AccuracyBucket),
		BySector:         make(map[string]models.AccuracyBucket),
		ByConfidenceBand: make(map[string]models.AccuracyBucket),
		LastUsed:         outcomes[0].CreatedAt,
	}

	var sumReturn float64
	var recent models.AccuracyBucket
	for i, o := range outcomes {
		if s.Name == "" {
			s.Name = o.FactorName
		}
		s.TotalUses++
		if o.WasCorrect {
			s.Correct++
		}
		sumReturn += o.ActualReturn

		addBucket(s.ByInterpretation, string(o.Interpretation), o.WasCorrect)
		addBucket(s.ByAgent, o.Agent, o.WasCorrect)
		addBucket(s.BySector, o.Sector, o.WasCorrect)
		addBucket(s.ByConfidenceBand, ConfidenceBand(o.Confidence), o.WasCorrect)

		if i < RecentWindow {
			recent.Add(o.WasCorrect)
		}
	}

	s.Accuracy = float64(s.Correct) / float64(s.TotalUses)
	s.AvgReturn = sumReturn / float64(s.TotalUses)
	s.RecentAccuracy = recent.Accuracy

	switch delta := s.RecentAccuracy - s.Accuracy; {
	case delta > TrendThreshold:
		s.Trend = models.TrendImproving
	case delta < -TrendThreshold:
		s.Trend = models.TrendDeclining
	default:
		s.Trend = models.TrendStable
	}

	s.RecommendedWeight = recommendedWeight(s)
	return s
}

func addBucket(buckets map[string]models.AccuracyBucket, key string, correct bool) {
	if key == "" {
		return
	}
	b := buckets[key]
	b.Add(correct)
	buckets[key] = b
}

// recommendedWeight is advisory only; nothing feeds it back into consensus
func recommendedWeight(s *models.FactorStats) float64 {
	var w float64
	switch {
	case s.Accuracy > 0.7:
		w = 0.9
	case s.Accuracy > 0.6:
		w = 0.7
	case s.Accuracy > 0.5:
		w = 0.5
	case s.Accuracy > 0.4:
		w = 0.3
	default:
		w = 0.1
	}

	high, hasHigh := s.ByConfidenceBand[BandHigh]
	low, hasLow := s.ByConfidenceBand[BandLow]
	if hasHigh && hasLow && high.Accuracy > low.Accuracy {
		w += 0.1
	}
	// keep one decimal place
	return math.Min(1.0, math.Round(w*10)/10)
}

// GetTopPerformingFactors returns the most accurate factors with at least
// minUsage recorded outcomes
func (t *Tracker) GetTopPerformingFactors(ctx context.Context, limit, minUsage int) ([]models.FactorStats, error) {
	return t.ranked(ctx, limit, minUsage, func(a, b models.FactorStats) bool {
		return a.Accuracy > b.Accuracy
	})
}

// GetWorstPerformingFactors returns the least accurate factors with at least
// minUsage recorded outcomes
func (t *Tracker) GetWorstPerformingFactors(ctx context.Context, limit, minUsage int) ([]models.FactorStats, error) {
	return t.ranked(ctx, limit, minUsage, func(a, b models.FactorStats) bool {
		return a.Accuracy < b.Accuracy
	})
}

func (t *Tracker) ranked(ctx context.Context, limit, minUsage int, better func(a, b models.FactorStats) bool) ([]models.FactorStats, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if minUsage <= 0 {
		minUsage = defaultMinUsage
	}

	ids, err := t.store.ListFactorIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}

	var (
		stats = make([]models.FactorStats, 0, len(ids))
		errs  []error
	)
	for _, id := range ids {
		s, err := t.CalculateFactorStats(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if s != nil && s.TotalUses >= minUsage {
			stats = append(stats, *s)
		}
	}

	sort.SliceStable(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.Accuracy != b.Accuracy {
			return better(a, b)
		}
		if a.TotalUses != b.TotalUses {
			return a.TotalUses > b.TotalUses
		}
		return a.FactorID < b.FactorID
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, errors.Join(errs...)
}
