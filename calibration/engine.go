package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"trade-consensus/config"
	"trade-consensus/models"
	"trade-consensus/observability"
)

// Cold-start prior for agents with no calibration history
const (
	DefaultWinRate    = 0.5
	DefaultConfidence = 70.0
)

// Heuristic thresholds
const (
	HighConfidenceThreshold = 70.0
	DefaultMinGroupSize     = 3
	maxRankedGroups         = 3

	minPicksForVerdict      = 10
	minBucketForCorrelation = 5
	weakWinRate             = 0.45
	strongWinRate           = 0.60
	overconfidenceLimit     = 10.0
)

// ErrTotalsDecreased is returned when a recompute sees fewer resolved picks
// than the run it would supersede
var ErrTotalsDecreased = errors.New("calibration totals decreased")

// Store is the persistence the engine needs
type Store interface {
	ListAgents(ctx context.Context) ([]string, error)
	ListResolvedPicksByAgent(ctx context.Context, agent string) ([]models.Pick, error)
	CreateCalibration(ctx context.Context, c *models.Calibration) error
	GetLatestCalibration(ctx context.Context, agent string) (*models.Calibration, error)
}

// Weight is the calibration-derived trust placed in one agent's votes
type Weight struct {
	WinRate       float64
	AvgConfidence float64
	Calibrated    bool
}

// ColdStart is the weight used before an agent has any calibration
var ColdStart = Weight{WinRate: DefaultWinRate, AvgConfidence: DefaultConfidence}

// Engine maintains each agent's rolling performance profile
type Engine struct {
	store        Store
	prior        Weight
	minGroupSize int
	now          func() time.Time
}

// NewEngine creates a calibration engine. prior is returned by WeightFor for
// agents that have never been calibrated.
func NewEngine(store Store, cfg config.CalibrationConfig, prior Weight) *Engine {
	e := &Engine{
		store:        store,
		prior:        prior,
		minGroupSize: cfg.MinGroupSize,
		now:          time.Now,
	}
	if e.minGroupSize <= 0 {
		e.minGroupSize = DefaultMinGroupSize
	}
	e.prior.Calibrated = false
	return e
}

// GetLatestCalibration returns the newest run for agent, or nil if it has none
func (e *Engine) GetLatestCalibration(ctx context.Context, agent string) (*models.Calibration, error) {
	c, err := e.store.GetLatestCalibration(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration for %s: %w", agent, err)
	}
	return c, nil
}

// WeightFor returns the vote weight for agent. Any lookup failure falls back
// to the prior so consensus building never blocks on calibration.
func (e *Engine) WeightFor(ctx context.Context, agent string) Weight {
	c, err := e.store.GetLatestCalibration(ctx, agent)
	if err != nil {
		observability.WithAgent(agent).Warn("calibration lookup failed, using prior", "error", err)
		return e.prior
	}
	if c == nil {
		return e.prior
	}
	return Weight{WinRate: c.WinRate, AvgConfidence: c.AvgConfidence, Calibrated: true}
}

// RecomputeAll recalibrates every agent that has ever produced a pick
func (e *Engine) RecomputeAll(ctx context.Context) ([]*models.Calibration, []error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list agents: %w", err)}
	}

	var (
		results []*models.Calibration
		errs    []error
	)
	for _, agent := range agents {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		c, err := e.Recompute(ctx, agent)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c != nil {
			results = append(results, c)
		}
	}
	return results, errs
}

// Recompute builds and stores a fresh calibration from the agent's resolved
// picks. It returns nil without storing anything when the agent has no
// resolved picks.
func (e *Engine) Recompute(ctx context.Context, agent string) (*models.Calibration, error) {
	metrics := observability.GetMetrics()
	log := observability.WithAgent(agent)

	picks, err := e.store.ListResolvedPicksByAgent(ctx, agent)
	if err != nil {
		metrics.RecordCalibrationRun(agent, "error")
		return nil, fmt.Errorf("failed to load resolved picks for %s: %w", agent, err)
	}

	c := e.compute(agent, picks)
	if c == nil {
		metrics.RecordCalibrationRun(agent, "skipped")
		log.Debug("no resolved picks, skipping calibration")
		return nil, nil
	}

	prev, err := e.store.GetLatestCalibration(ctx, agent)
	if err != nil {
		metrics.RecordCalibrationRun(agent, "error")
		return nil, fmt.Errorf("failed to load previous calibration for %s: %w", agent, err)
	}
	if prev != nil && c.TotalPicks < prev.TotalPicks {
		metrics.RecordCalibrationRun(agent, "rejected")
		return nil, fmt.Errorf("%w for %s: %d picks now, %d previously", ErrTotalsDecreased, agent, c.TotalPicks, prev.TotalPicks)
	}

	if err := e.store.CreateCalibration(ctx, c); err != nil {
		metrics.RecordCalibrationRun(agent, "error")
		return nil, fmt.Errorf("failed to store calibration for %s: %w", agent, err)
	}

	metrics.RecordCalibrationRun(agent, "ok")
	log.Info("calibration updated",
		"total_picks", c.TotalPicks,
		"win_rate", c.WinRate,
		"overconfidence", c.OverconfidenceScore,
	)
	return c, nil
}

type tally struct {
	total int
	wins  int
}

func (t *tally) add(win bool) {
	t.total++
	if win {
		t.wins++
	}
}

func (t tally) rate() float64 {
	if t.total == 0 {
		return 0
	}
	return float64(t.wins) / float64(t.total)
}

func (e *Engine) compute(agent string, picks []models.Pick) *models.Calibration {
	var (
		overall              tally
		high, low            tally
		wins, losses, expire int
		sumReturn, sumConf   float64
		sectors              = make(map[string]*tally)
		conditions           = make(map[string]*tally)
		factorPerf           = make(map[string]models.FactorPerformance)
	)

	for _, p := range picks {
		if !p.Status.IsTerminal() {
			continue
		}
		win := p.Status == models.PickStatusWin
		switch p.Status {
		case models.PickStatusWin:
			wins++
		case models.PickStatusLoss:
			losses++
		case models.PickStatusExpired:
			expire++
		}
		overall.add(win)
		sumReturn += p.ActualReturn
		sumConf += p.Confidence

		if p.Confidence >= HighConfidenceThreshold {
			high.add(win)
		} else {
			low.add(win)
		}
		addGroup(sectors, p.Sector, win)
		addGroup(conditions, p.MarketCondition, win)

		for _, f := range p.Factors {
			name := f.Name
			if name == "" {
				name = f.FactorID
			}
			fp := factorPerf[name]
			fp.Uses++
			if models.FactorWasCorrect(p.Status, f.Interpretation, p.ActualReturn) {
				fp.Correct++
			}
			fp.Accuracy = float64(fp.Correct) / float64(fp.Uses)
			factorPerf[name] = fp
		}
	}

	if overall.total == 0 {
		return nil
	}

	n := float64(overall.total)
	c := &models.Calibration{
		ID:                uuid.New(),
		Agent:             agent,
		RunDate:           e.now(),
		TotalPicks:        overall.total,
		Wins:              wins,
		Losses:            losses,
		Expired:           expire,
		WinRate:           overall.rate(),
		AvgReturn:         sumReturn / n,
		AvgConfidence:     sumConf / n,
		FactorPerformance: factorPerf,
	}
	if high.total > 0 && low.total > 0 {
		c.ConfidenceCorrelation = high.rate() - low.rate()
	}
	c.OverconfidenceScore = c.AvgConfidence - c.WinRate*100

	c.BestSectors, c.WorstSectors = rankGroups(sectors, e.minGroupSize)
	c.BestConditions, c.WorstConditions = rankGroups(conditions, e.minGroupSize)
	c.Learnings, c.Adjustments = narrate(c, high, low)
	return c
}

func addGroup(groups map[string]*tally, key string, win bool) {
	if key == "" {
		return
	}
	t, ok := groups[key]
	if !ok {
		t = &tally{}
		groups[key] = t
	}
	t.add(win)
}

// rankGroups returns up to three groups with a win rate of at least 50% and
// up to three below it, considering only groups with minSize picks
func rankGroups(groups map[string]*tally, minSize int) (best, worst []string) {
	type ranked struct {
		name string
		rate float64
	}
	var eligible []ranked
	for name, t := range groups {
		if t.total >= minSize {
			eligible = append(eligible, ranked{name, t.rate()})
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].rate != eligible[j].rate {
			return eligible[i].rate > eligible[j].rate
		}
		return eligible[i].name < eligible[j].name
	})
	best = []string{}
	for _, g := range eligible {
		if len(best) == maxRankedGroups || g.rate < 0.5 {
			break
		}
		best = append(best, g.name)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].rate != eligible[j].rate {
			return eligible[i].rate < eligible[j].rate
		}
		return eligible[i].name < eligible[j].name
	})
	worst = []string{}
	for _, g := range eligible {
		if len(worst) == maxRankedGroups || g.rate >= 0.5 {
			break
		}
		worst = append(worst, g.name)
	}
	return best, worst
}

func narrate(c *models.Calibration, high, low tally) (learnings, adjustments []string) {
	learnings, adjustments = []string{}, []string{}
	pct := c.WinRate * 100

	switch {
	case c.TotalPicks >= minPicksForVerdict && c.WinRate < weakWinRate:
		learnings = append(learnings, fmt.Sprintf("Win rate of %.1f%% over %d picks is below par; treat these calls with caution", pct, c.TotalPicks))
		adjustments = append(adjustments, "Require stronger confirming signals before issuing a directional pick")
	case c.TotalPicks >= minPicksForVerdict && c.WinRate > strongWinRate:
		learnings = append(learnings, fmt.Sprintf("Win rate of %.1f%% over %d picks is a demonstrated strength", pct, c.TotalPicks))
	}

	if c.OverconfidenceScore > overconfidenceLimit {
		learnings = append(learnings, fmt.Sprintf("Stated confidence averages %.1f but only %.1f%% of picks win", c.AvgConfidence, pct))
		adjustments = append(adjustments, fmt.Sprintf("Reduce stated confidence by about %.0f points", math.Round(c.OverconfidenceScore)))
	} else if c.OverconfidenceScore < -overconfidenceLimit {
		learnings = append(learnings, fmt.Sprintf("Picks win %.1f%% of the time against an average confidence of %.1f; the agent is under-confident", pct, c.AvgConfidence))
		adjustments = append(adjustments, fmt.Sprintf("Raise stated confidence by about %.0f points", math.Round(-c.OverconfidenceScore)))
	}

	if c.ConfidenceCorrelation < 0 && high.total >= minBucketForCorrelation && low.total >= minBucketForCorrelation {
		learnings = append(learnings, "High-confidence picks do no better than low-confidence ones; confidence is not predictive")
	}

	if len(c.BestSectors) > 0 {
		learnings = append(learnings, fmt.Sprintf("Strongest sector: %s", c.BestSectors[0]))
	}
	if len(c.WorstSectors) > 0 {
		learnings = append(learnings, fmt.Sprintf("Weakest sector: %s", c.WorstSectors[0]))
	}
	return learnings, adjustments
}
