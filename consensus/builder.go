package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trade-consensus/calibration"
	"trade-consensus/config"
	"trade-consensus/models"
	"trade-consensus/observability"
)

// Narrative adjustments
const (
	StrongAgreement = 3
	strongBonus     = 10.0
	strongCeiling   = 95.0
	weakPenalty     = 15.0
	weakFloor       = 30.0
)

// Historical adjustments from the combination's track record
const (
	MinStatsSample  = 10
	historicalBonus = 5.0
	highAccuracy    = 0.65
	lowAccuracy     = 0.45
)

const (
	tieEpsilon       = 1e-9
	minPicks         = 2   // usable picks needed for a verdict
	defaultSetupSpan = 200 // resolved records searched for similar setups
)

var errNoWeight = errors.New("no calibration weight behind any vote")

// Store is the persistence the builder needs
type Store interface {
	CreateConsensus(ctx context.Context, c *models.ConsensusAssessment) error
	ListResolvedConsensus(ctx context.Context, limit int) ([]models.ConsensusAssessment, error)
	GetConsensusStats(ctx context.Context, key string) (*models.ConsensusStats, error)
}

// WeightSource supplies calibration weights per agent
type WeightSource interface {
	WeightFor(ctx context.Context, agent string) calibration.Weight
}

// Builder fuses concurrent picks for one symbol into a single verdict
type Builder struct {
	store             Store
	weights           WeightSource
	defaultConfidence float64
	setupWindow       int
	now               func() time.Time
}

// NewBuilder creates a consensus builder
func NewBuilder(store Store, weights WeightSource, cfg config.ConsensusConfig) *Builder {
	b := &Builder{
		store:             store,
		weights:           weights,
		defaultConfidence: cfg.DefaultConfidence,
		setupWindow:       cfg.SimilarSetupWindow,
		now:               time.Now,
	}
	if b.defaultConfidence <= 0 {
		b.defaultConfidence = calibration.DefaultConfidence
	}
	if b.setupWindow <= 0 {
		b.setupWindow = defaultSetupSpan
	}
	return b
}

// BuildConsensus fuses the picks for symbol. It never fails: with fewer than
// two usable picks, or on any error, it returns the conservative default
// verdict. Computed verdicts are stored as PENDING before they are returned.
func (b *Builder) BuildConsensus(ctx context.Context, symbol string, picks []models.Pick) (result *models.ConsensusAssessment) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	log := observability.WithSymbol(symbol)
	metrics := observability.GetMetrics()

	defer func() {
		if r := recover(); r != nil {
			log.Error("consensus build panicked", "panic", r)
			metrics.RecordConsensusFallback("panic")
			result = models.NewDefaultConsensus(symbol, "Consensus unavailable: internal error")
		}
	}()

	usable := usablePicks(symbol, picks)
	if len(usable) < minPicks {
		metrics.RecordConsensusFallback("insufficient_picks")
		return models.NewDefaultConsensus(symbol,
			fmt.Sprintf("Insufficient picks for consensus: %d usable, need at least %d", len(usable), minPicks))
	}

	c, err := b.fuse(ctx, symbol, usable)
	if err != nil {
		log.Warn("consensus build failed, returning default", "error", err)
		metrics.RecordConsensusFallback("error")
		return models.NewDefaultConsensus(symbol, "Consensus unavailable: "+err.Error())
	}

	if err := b.store.CreateConsensus(ctx, c); err != nil {
		log.Error("failed to persist consensus", "consensus_id", c.ID, "error", err)
	}

	metrics.RecordConsensus(string(c.Direction), c.Strength, c.Confidence)
	log.Info("consensus built",
		"direction", c.Direction,
		"strength", c.Strength,
		"confidence", c.Confidence,
		"combination", c.CombinationKey,
	)
	return c
}

// usablePicks keeps valid pending picks for symbol, one per agent (the newest)
func usablePicks(symbol string, picks []models.Pick) []models.Pick {
	latest := make(map[string]models.Pick)
	for _, p := range picks {
		if !strings.EqualFold(p.Symbol, symbol) || p.Agent == "" || !p.Direction.IsValid() {
			continue
		}
		if p.Confidence < 0 || p.Confidence > 100 || p.Status.IsTerminal() {
			continue
		}
		if prev, ok := latest[p.Agent]; !ok || p.CreatedAt.After(prev.CreatedAt) {
			latest[p.Agent] = p
		}
	}

	out := make([]models.Pick, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (b *Builder) fuse(ctx context.Context, symbol string, picks []models.Pick) (*models.ConsensusAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	votes := make([]models.AgentVote, 0, len(picks))
	scores := make(map[models.Direction]float64, len(models.Directions))
	var total, confWeighted, weightSum float64

	for _, p := range picks {
		w := b.weights.WeightFor(ctx, p.Agent)
		conf := p.Confidence
		if conf == 0 {
			conf = w.AvgConfidence
			if conf <= 0 {
				conf = b.defaultConfidence
			}
		}
		score := w.WinRate * conf / 100
		scores[p.Direction] += score
		total += score
		confWeighted += conf * w.WinRate
		weightSum += w.WinRate

		votes = append(votes, models.AgentVote{
			Agent:      p.Agent,
			Direction:  p.Direction,
			Confidence: conf,
			PickID:     p.ID,
			Weight:     w.WinRate,
		})
	}
	if total <= 0 || weightSum <= 0 {
		return nil, errNoWeight
	}

	direction, strength := pickWinner(scores, total)

	var agreeing []string
	for _, v := range votes {
		if v.Direction == direction {
			agreeing = append(agreeing, v.Agent)
		}
	}
	key := models.CombinationKey(agreeing)

	confidence := confWeighted / weightSum
	var label string
	switch n := len(agreeing); {
	case n >= StrongAgreement:
		label = "Strong consensus"
		confidence = math.Min(confidence+strongBonus, strongCeiling)
	case n == 2:
		label = "Moderate consensus"
	default:
		label = "Weak consensus"
		confidence = math.Max(confidence-weakPenalty, weakFloor)
	}

	var history string
	if key != "" {
		stats, err := b.store.GetConsensusStats(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load stats for %s: %w", key, err)
		}
		if stats != nil && stats.TimesAgreed >= MinStatsSample {
			switch {
			case stats.AccuracyRate > highAccuracy:
				confidence += historicalBonus
			case stats.AccuracyRate < lowAccuracy:
				confidence -= historicalBonus
			}
			history = fmt.Sprintf(" This combination has been right %.0f%% of the time over %d agreements.",
				stats.AccuracyRate*100, stats.TimesAgreed)
		}
	}
	confidence = math.Max(0, math.Min(100, confidence))

	resolved, err := b.store.ListResolvedConsensus(ctx, b.setupWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load consensus history: %w", err)
	}
	agents := models.SplitCombinationKey(key)
	if agents == nil {
		agents = []string{}
	}

	return &models.ConsensusAssessment{
		ID:             uuid.New(),
		Symbol:         symbol,
		Votes:          votes,
		Direction:      direction,
		Strength:       strength,
		Confidence:     confidence,
		AgreeingAgents: agents,
		CombinationKey: key,
		Reasoning: fmt.Sprintf("%s: %d of %d agents favor %s with %.0f%% of weighted support.%s",
			label, len(agreeing), len(votes), direction, strength*100, history),
		SimilarSetups: FindSimilarSetups(symbol, agents, direction, resolved),
		Status:        models.PickStatusPending,
		CreatedAt:     b.now(),
	}, nil
}

// pickWinner returns the direction with the highest normalized score. A tie
// at the top resolves to HOLD with HOLD's own share as strength.
func pickWinner(scores map[models.Direction]float64, total float64) (models.Direction, float64) {
	best := math.Inf(-1)
	for _, d := range models.Directions {
		if s := scores[d] / total; s > best {
			best = s
		}
	}

	var leaders []models.Direction
	for _, d := range models.Directions {
		if math.Abs(scores[d]/total-best) < tieEpsilon {
			leaders = append(leaders, d)
		}
	}
	if len(leaders) > 1 {
		return models.DirectionHold, scores[models.DirectionHold] / total
	}
	return leaders[0], best
}
