package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"trade-consensus/config"
	"trade-consensus/events"
	"trade-consensus/models"
	"trade-consensus/observability"
	"trade-consensus/services"
)

// LockKey is the runner lock shared by every resolver instance
const LockKey = "trade-consensus:resolver:sweep"

var (
	ErrResolverBusy = errors.New("another resolver run is in progress")
	ErrPickNotFound = errors.New("pick not found")
	ErrPickClaimed  = errors.New("pick is claimed by another runner")
)

// Store is the persistence the resolver needs
type Store interface {
	GetPick(ctx context.Context, id uuid.UUID) (*models.Pick, error)
	ClaimExpiredPicks(ctx context.Context, runner string, now time.Time, lease time.Duration, limit int) ([]models.Pick, error)
	ClaimPick(ctx context.Context, id uuid.UUID, runner string, now time.Time, lease time.Duration) (*models.Pick, error)
	ReleasePickClaims(ctx context.Context, runner string, ids []uuid.UUID) error
	ResolvePick(ctx context.Context, id uuid.UUID, res models.Resolution) (bool, error)
	ListIncompleteFanOut(ctx context.Context, limit int) ([]models.Pick, error)
	MarkFanOutComplete(ctx context.Context, id uuid.UUID) error
	ListPendingConsensus(ctx context.Context, symbol string, createdBefore time.Time) ([]models.ConsensusAssessment, error)
	ResolveConsensusWithStats(ctx context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time, fn func(*models.ConsensusStats) error) (bool, error)
}

// FactorRecorder receives per-factor outcomes
type FactorRecorder interface {
	RecordFactorOutcome(ctx context.Context, pick *models.Pick, outcome models.PickStatus, actualReturn float64) (int, error)
}

// Calibrator recomputes an agent's calibration
type Calibrator interface {
	Recompute(ctx context.Context, agent string) (*models.Calibration, error)
}

// Deps are the collaborators a Resolver feeds
type Deps struct {
	Store       Store
	Prices      services.PriceLookup
	Factors     FactorRecorder
	Calibration Calibrator
	Locker      Locker           // defaults to an in-process lock
	Events      events.Publisher // defaults to dropping events
}

// Resolver matures expired pending picks into terminal outcomes and feeds
// the learning components
type Resolver struct {
	store        Store
	prices       services.PriceLookup
	factors      FactorRecorder
	calibration  Calibrator
	locker       Locker
	events       events.Publisher
	runner       string
	workers      int
	groupDelay   time.Duration
	priceTimeout time.Duration
	claimLease   time.Duration
	lockTTL      time.Duration
	batchSize    int
	now          func() time.Time
}

// New creates a resolver
func New(deps Deps, cfg config.ResolverConfig) *Resolver {
	r := &Resolver{
		store:        deps.Store,
		prices:       deps.Prices,
		factors:      deps.Factors,
		calibration:  deps.Calibration,
		locker:       deps.Locker,
		events:       deps.Events,
		runner:       cfg.RunnerID,
		workers:      cfg.Workers,
		groupDelay:   cfg.GroupDelay,
		priceTimeout: cfg.PriceTimeout,
		claimLease:   cfg.ClaimLease,
		lockTTL:      cfg.LockTTL,
		batchSize:    cfg.BatchSize,
		now:          time.Now,
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	if r.events == nil {
		r.events = events.NoopPublisher{}
	}
	if r.runner == "" {
		r.runner = "resolver-" + uuid.NewString()[:8]
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	if r.priceTimeout <= 0 {
		r.priceTimeout = 10 * time.Second
	}
	if r.claimLease <= 0 {
		r.claimLease = 10 * time.Minute
	}
	if r.lockTTL < r.claimLease {
		r.lockTTL = r.claimLease
	}
	return r
}

// sweepState collects results from concurrently processed groups
type sweepState struct {
	mu      sync.Mutex
	summary *models.ResolutionSummary
	agents  map[string]struct{}
	events  []models.ResolutionEvent
}

func newSweepState() *sweepState {
	return &sweepState{
		summary: &models.ResolutionSummary{Errors: []string{}},
		agents:  make(map[string]struct{}),
	}
}

func (s *sweepState) fail(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Errors = append(s.summary.Errors, fmt.Sprintf(format, args...))
}

func (s *sweepState) skip(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Skipped += n
}

func (s *sweepState) resolved(p *models.Pick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Count(p.Status)
	s.agents[p.Agent] = struct{}{}
	s.events = append(s.events, models.NewResolutionEvent(p))
}

func (s *sweepState) retried(p *models.Pick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.FanOutRetried++
	s.agents[p.Agent] = struct{}{}
}

func (s *sweepState) consensusResolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.ConsensusAdded++
}

// ResolvePendingPicks runs one sweep over every expired pending pick. It
// always returns a summary; failures are listed in its Errors.
func (r *Resolver) ResolvePendingPicks(ctx context.Context) *models.ResolutionSummary {
	start := r.now()
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveSweep()

	log := observability.WithComponent("resolver")
	st := newSweepState()

	acquired, err := r.locker.Acquire(ctx, LockKey, r.runner, r.lockTTL)
	if err != nil {
		st.fail("failed to acquire runner lock: %v", err)
		return r.finish(st, start)
	}
	if !acquired {
		log.Info("resolver lock held elsewhere, skipping sweep")
		st.fail("%v", ErrResolverBusy)
		return r.finish(st, start)
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), LockKey, r.runner); err != nil {
			log.Warn("failed to release runner lock", "error", err)
		}
	}()

	r.retryFanOut(ctx, st)

	picks, err := r.store.ClaimExpiredPicks(ctx, r.runner, start, r.claimLease, r.batchSize)
	if err != nil {
		st.fail("failed to claim expired picks: %v", err)
		return r.finish(st, start)
	}
	if len(picks) == 0 {
		log.Debug("no expired picks to resolve")
		r.recalibrate(ctx, st)
		return r.finish(st, start)
	}

	groups, symbols := groupBySymbol(picks)
	log.Info("resolving expired picks", "picks", len(picks), "symbols", len(symbols))

	limit := rate.Inf
	if r.groupDelay > 0 {
		limit = rate.Every(r.groupDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, symbol := range symbols {
		if err := limiter.Wait(ctx); err != nil {
			var unstarted []models.Pick
			for _, s := range symbols[i:] {
				unstarted = append(unstarted, groups[s]...)
			}
			r.release(ctx, unstarted)
			st.skip(len(unstarted))
			st.fail("sweep interrupted before %d symbols: %v", len(symbols)-i, err)
			break
		}
		g.Go(func() error {
			r.resolveGroup(ctx, symbol, groups[symbol], st)
			return nil
		})
	}
	_ = g.Wait()

	r.recalibrate(ctx, st)
	r.publish(ctx, st)
	return r.finish(st, start)
}

func (r *Resolver) finish(st *sweepState, start time.Time) *models.ResolutionSummary {
	st.summary.Duration = r.now().Sub(start)
	if st.summary.Processed > 0 || st.summary.FanOutRetried > 0 || len(st.summary.Errors) > 0 {
		observability.WithComponent("resolver").Info("sweep complete",
			"processed", st.summary.Processed,
			"wins", st.summary.Wins,
			"losses", st.summary.Losses,
			"expired", st.summary.Expired,
			"skipped", st.summary.Skipped,
			"consensus_resolved", st.summary.ConsensusAdded,
			"fanout_retried", st.summary.FanOutRetried,
			"errors", len(st.summary.Errors),
			"duration", st.summary.Duration,
		)
	}
	return st.summary
}

// groupBySymbol keeps claim order within a symbol and returns symbols sorted
func groupBySymbol(picks []models.Pick) (map[string][]models.Pick, []string) {
	groups := make(map[string][]models.Pick)
	for _, p := range picks {
		groups[p.Symbol] = append(groups[p.Symbol], p)
	}
	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return groups, symbols
}

func (r *Resolver) release(ctx context.Context, picks []models.Pick) {
	if len(picks) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(picks))
	for i, p := range picks {
		ids[i] = p.ID
	}
	if err := r.store.ReleasePickClaims(context.WithoutCancel(ctx), r.runner, ids); err != nil {
		observability.WithComponent("resolver").Warn("failed to release pick claims", "count", len(ids), "error", err)
	}
}

func (r *Resolver) fetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.priceTimeout)
	defer cancel()
	return r.prices.CurrentPrice(ctx, symbol)
}

// resolveGroup handles every pick for one symbol against a single price
func (r *Resolver) resolveGroup(ctx context.Context, symbol string, picks []models.Pick, st *sweepState) {
	log := observability.WithSymbol(symbol)

	price, err := r.fetchPrice(ctx, symbol)
	if err != nil {
		log.Warn("price unavailable, leaving picks pending", "picks", len(picks), "error", err)
		observability.GetMetrics().RecordSkippedGroup("price_unavailable")
		r.release(ctx, picks)
		st.skip(len(picks))
		st.fail("%s: price unavailable: %v", symbol, err)
		return
	}

	for i := range picks {
		p := &picks[i]
		applied, err := r.resolvePick(ctx, p, price, st)
		if err != nil {
			observability.WithPick(p.ID, p.Symbol).Error("failed to resolve pick", "error", err)
			r.release(ctx, picks[i:i+1])
			st.skip(1)
			st.fail("%s: pick %s: %v", symbol, p.ID, err)
			continue
		}
		if !applied {
			st.skip(1)
		}
	}
}

// resolvePick evaluates and writes one pick, then fans the outcome out. It
// reports false when the pick had already been resolved elsewhere.
func (r *Resolver) resolvePick(ctx context.Context, p *models.Pick, price decimal.Decimal, st *sweepState) (bool, error) {
	ev, err := EvaluateOutcome(p.Direction, p.EntryPrice, p.TargetPrice, p.StopLoss, price)
	if err != nil {
		return false, err
	}

	now := r.now()
	res := models.Resolution{
		Status:       ev.Status,
		ClosedPrice:  price,
		ActualReturn: ev.ActualReturn,
		HitTarget:    ev.HitTarget,
		HitStopLoss:  ev.HitStopLoss,
		DaysHeld:     int(now.Sub(p.CreatedAt).Hours() / 24),
		ResolvedAt:   now,
	}
	applied, err := r.store.ResolvePick(ctx, p.ID, res)
	if err != nil {
		return false, fmt.Errorf("failed to write resolution: %w", err)
	}
	if !applied {
		observability.WithPick(p.ID, p.Symbol).Debug("pick already resolved, skipping fan-out")
		return false, nil
	}
	if err := p.Resolve(res); err != nil {
		return true, err
	}

	observability.GetMetrics().RecordResolution(p.Agent, string(p.Status))
	observability.WithPick(p.ID, p.Symbol).Info("pick resolved",
		"agent", p.Agent,
		"status", p.Status,
		"return", p.ActualReturn,
	)
	st.resolved(p)
	if r.fanOut(ctx, p, st) {
		r.markFanOut(ctx, p, st)
	}
	return true, nil
}

// retryFanOut finishes the downstream writes of picks resolved by an earlier
// run whose fan-out failed part way. Factor outcomes are keyed by pick and
// consensus records settle at most once, so repeating a step is harmless.
func (r *Resolver) retryFanOut(ctx context.Context, st *sweepState) {
	picks, err := r.store.ListIncompleteFanOut(ctx, r.batchSize)
	if err != nil {
		st.fail("failed to list incomplete fan-outs: %v", err)
		return
	}
	for i := range picks {
		p := &picks[i]
		if p.ResolvedAt == nil {
			continue
		}
		observability.WithPick(p.ID, p.Symbol).Info("retrying fan-out", "agent", p.Agent, "status", p.Status)
		st.retried(p)
		if r.fanOut(ctx, p, st) {
			r.markFanOut(ctx, p, st)
		}
	}
}

func (r *Resolver) markFanOut(ctx context.Context, p *models.Pick, st *sweepState) {
	if err := r.store.MarkFanOutComplete(ctx, p.ID); err != nil {
		st.fail("%s: mark fan-out %s: %v", p.Symbol, p.ID, err)
	}
}

// fanOut feeds a resolved pick to the factor log and settles the consensus
// records it contributed to with an agreeing vote. It reports whether every
// write succeeded.
func (r *Resolver) fanOut(ctx context.Context, p *models.Pick, st *sweepState) bool {
	log := observability.WithPick(p.ID, p.Symbol)
	complete := true

	if r.factors != nil {
		if _, err := r.factors.RecordFactorOutcome(ctx, p, p.Status, p.ActualReturn); err != nil {
			log.Warn("failed to record factor outcomes", "error", err)
			st.fail("%s: factor outcomes for %s: %v", p.Symbol, p.ID, err)
			complete = false
		}
	}

	pending, err := r.store.ListPendingConsensus(ctx, p.Symbol, p.ExpiresAt)
	if err != nil {
		st.fail("%s: pending consensus: %v", p.Symbol, err)
		return false
	}
	correct := p.Status == models.PickStatusWin
	for _, c := range pending {
		if !c.HasPick(p.ID) || c.Direction != p.Direction {
			continue
		}
		applied, err := r.store.ResolveConsensusWithStats(ctx, c.ID, p.Status, p.ActualReturn, *p.ResolvedAt,
			func(s *models.ConsensusStats) error {
				s.Record(correct, p.ActualReturn, p.Sector)
				return nil
			})
		if err != nil {
			st.fail("%s: consensus %s: %v", p.Symbol, c.ID, err)
			complete = false
			continue
		}
		if applied {
			st.consensusResolved()
		}
	}
	return complete
}

// recalibrate runs once per agent touched by the sweep
func (r *Resolver) recalibrate(ctx context.Context, st *sweepState) {
	if r.calibration == nil {
		return
	}
	agents := make([]string, 0, len(st.agents))
	for a := range st.agents {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	for _, agent := range agents {
		if _, err := r.calibration.Recompute(ctx, agent); err != nil {
			st.fail("calibration %s: %v", agent, err)
		}
	}
}

// publish is best-effort; a failure never affects the resolutions
func (r *Resolver) publish(ctx context.Context, st *sweepState) {
	if len(st.events) == 0 {
		return
	}
	if err := r.events.PublishResolutions(ctx, st.events...); err != nil {
		observability.WithComponent("resolver").Warn("failed to publish resolution events",
			"count", len(st.events), "error", err)
	}
}

// ForceResolve resolves one pick immediately at the current price,
// regardless of its expiry
func (r *Resolver) ForceResolve(ctx context.Context, pickID uuid.UUID) (*models.Pick, error) {
	p, err := r.store.ClaimPick(ctx, pickID, r.runner, r.now(), r.claimLease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pick %s: %w", pickID, err)
	}
	if p == nil {
		existing, err := r.store.GetPick(ctx, pickID)
		switch {
		case err != nil:
			return nil, fmt.Errorf("failed to load pick %s: %w", pickID, err)
		case existing == nil:
			return nil, ErrPickNotFound
		case existing.Status.IsTerminal():
			return existing, models.ErrAlreadyResolved
		default:
			return nil, ErrPickClaimed
		}
	}

	price, err := r.fetchPrice(ctx, p.Symbol)
	if err != nil {
		r.release(ctx, []models.Pick{*p})
		return nil, fmt.Errorf("price unavailable for %s: %w", p.Symbol, err)
	}

	st := newSweepState()
	applied, err := r.resolvePick(ctx, p, price, st)
	if err != nil {
		r.release(ctx, []models.Pick{*p})
		return nil, err
	}
	if !applied {
		return nil, models.ErrAlreadyResolved
	}

	r.recalibrate(ctx, st)
	r.publish(ctx, st)
	for _, msg := range st.summary.Errors {
		observability.WithPick(p.ID, p.Symbol).Warn("force resolve follow-up failed", "error", msg)
	}
	return p, nil
}
