package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trade-consensus/models"
)

type pickRow struct {
	pick           models.Pick
	claimedBy      string
	claimExpiresAt time.Time
	fanOutDone     bool
}

type factorKey struct {
	factorID string
	pickID   uuid.UUID
}

// MemoryRepository is an in-process Store used by tests and by the server
// when no database is configured. It honors the same conditional-write and
// claim semantics as the PostgreSQL store.
type MemoryRepository struct {
	mu           sync.Mutex
	picks        map[uuid.UUID]*pickRow
	consensus    map[uuid.UUID]*models.ConsensusAssessment
	calibrations map[string][]models.Calibration
	outcomes     []models.FactorOutcome
	outcomeKeys  map[factorKey]struct{}
	stats        map[string]*models.ConsensusStats
}

// NewMemoryRepository creates an empty in-memory store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		picks:        make(map[uuid.UUID]*pickRow),
		consensus:    make(map[uuid.UUID]*models.ConsensusAssessment),
		calibrations: make(map[string][]models.Calibration),
		outcomeKeys:  make(map[factorKey]struct{}),
		stats:        make(map[string]*models.ConsensusStats),
	}
}

func (m *MemoryRepository) Health(context.Context) error { return nil }

func (m *MemoryRepository) Close() {}

func clonePick(p models.Pick) models.Pick {
	p.Factors = slices.Clone(p.Factors)
	p.BullishFactors = slices.Clone(p.BullishFactors)
	p.BearishFactors = slices.Clone(p.BearishFactors)
	p.Risks = slices.Clone(p.Risks)
	p.Catalysts = slices.Clone(p.Catalysts)
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		p.ResolvedAt = &t
	}
	return p
}

func cloneConsensus(c models.ConsensusAssessment) models.ConsensusAssessment {
	c.Votes = slices.Clone(c.Votes)
	c.AgreeingAgents = slices.Clone(c.AgreeingAgents)
	c.SimilarSetups = slices.Clone(c.SimilarSetups)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

func cloneStats(s models.ConsensusStats) models.ConsensusStats {
	s.Agents = slices.Clone(s.Agents)
	s.SectorResults = maps.Clone(s.SectorResults)
	if s.SectorResults == nil {
		s.SectorResults = make(map[string]models.SectorResult)
	}
	return s
}

// Picks

func (m *MemoryRepository) CreatePick(_ context.Context, p *models.Pick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.picks[p.ID]; exists {
		return fmt.Errorf("%w: pick %s", ErrDuplicateID, p.ID)
	}
	m.picks[p.ID] = &pickRow{pick: clonePick(*p)}
	return nil
}

func (m *MemoryRepository) GetPick(_ context.Context, id uuid.UUID) (*models.Pick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.picks[id]
	if !ok {
		return nil, nil
	}
	p := clonePick(row.pick)
	return &p, nil
}

func (m *MemoryRepository) ListPicksBySymbol(_ context.Context, symbol string, status models.PickStatus, limit int) ([]models.Pick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pick
	for _, row := range m.picks {
		if row.pick.Symbol == symbol && (status == "" || row.pick.Status == status) {
			out = append(out, clonePick(row.pick))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit, 50), nil
}

func (m *MemoryRepository) ListResolvedPicksByAgent(_ context.Context, agent string) ([]models.Pick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pick
	for _, row := range m.picks {
		if row.pick.Agent == agent && row.pick.Status.IsTerminal() {
			out = append(out, clonePick(row.pick))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return resolvedAt(out[i]).After(resolvedAt(out[j]))
	})
	return out, nil
}

func resolvedAt(p models.Pick) time.Time {
	if p.ResolvedAt == nil {
		return time.Time{}
	}
	return *p.ResolvedAt
}

func (m *MemoryRepository) ListAgents(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, row := range m.picks {
		seen[row.pick.Agent] = struct{}{}
	}
	agents := make([]string, 0, len(seen))
	for a := range seen {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents, nil
}

func (row *pickRow) claimable(runner string, now time.Time) bool {
	return row.pick.Status == models.PickStatusPending &&
		(row.claimedBy == "" || row.claimedBy == runner || row.claimExpiresAt.Before(now))
}

func (m *MemoryRepository) ClaimExpiredPicks(_ context.Context, runner string, now time.Time, lease time.Duration, limit int) ([]models.Pick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*pickRow
	for _, row := range m.picks {
		if row.claimable(runner, now) && row.pick.IsExpired(now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].pick, candidates[j].pick
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	candidates = truncate(candidates, limit, 500)

	out := make([]models.Pick, 0, len(candidates))
	for _, row := range candidates {
		row.claimedBy = runner
		row.claimExpiresAt = now.Add(lease)
		out = append(out, clonePick(row.pick))
	}
	return out, nil
}

func (m *MemoryRepository) ClaimPick(_ context.Context, id uuid.UUID, runner string, now time.Time, lease time.Duration) (*models.Pick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.picks[id]
	if !ok || !row.claimable(runner, now) {
		return nil, nil
	}
	row.claimedBy = runner
	row.claimExpiresAt = now.Add(lease)
	p := clonePick(row.pick)
	return &p, nil
}

func (m *MemoryRepository) ReleasePickClaims(_ context.Context, runner string, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if row, ok := m.picks[id]; ok && row.claimedBy == runner && row.pick.Status == models.PickStatusPending {
			row.claimedBy = ""
			row.claimExpiresAt = time.Time{}
		}
	}
	return nil
}

func (m *MemoryRepository) ResolvePick(_ context.Context, id uuid.UUID, res models.Resolution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.picks[id]
	if !ok {
		return false, nil
	}
	if err := row.pick.Resolve(res); err != nil {
		if errors.Is(err, models.ErrAlreadyResolved) {
			return false, nil
		}
		return false, err
	}
	row.claimedBy = ""
	row.claimExpiresAt = time.Time{}
	return true, nil
}

func (m *MemoryRepository) ListIncompleteFanOut(_ context.Context, limit int) ([]models.Pick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pick
	for _, row := range m.picks {
		if row.pick.Status.IsTerminal() && !row.fanOutDone {
			out = append(out, clonePick(row.pick))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := resolvedAt(out[i]), resolvedAt(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return truncate(out, limit, 500), nil
}

func (m *MemoryRepository) MarkFanOutComplete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.picks[id]; ok && row.pick.Status.IsTerminal() {
		row.fanOutDone = true
	}
	return nil
}

// Consensus

func (m *MemoryRepository) CreateConsensus(_ context.Context, c *models.ConsensusAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.consensus[c.ID]; exists {
		return fmt.Errorf("%w: consensus %s", ErrDuplicateID, c.ID)
	}
	cp := cloneConsensus(*c)
	m.consensus[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetConsensus(_ context.Context, id uuid.UUID) (*models.ConsensusAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consensus[id]
	if !ok {
		return nil, nil
	}
	cp := cloneConsensus(*c)
	return &cp, nil
}

func (m *MemoryRepository) filterConsensus(keep func(*models.ConsensusAssessment) bool) []models.ConsensusAssessment {
	var out []models.ConsensusAssessment
	for _, c := range m.consensus {
		if keep(c) {
			out = append(out, cloneConsensus(*c))
		}
	}
	return out
}

func (m *MemoryRepository) ListConsensusBySymbol(_ context.Context, symbol string, limit int) ([]models.ConsensusAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterConsensus(func(c *models.ConsensusAssessment) bool { return c.Symbol == symbol })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit, 50), nil
}

func (m *MemoryRepository) ListPendingConsensus(_ context.Context, symbol string, createdBefore time.Time) ([]models.ConsensusAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterConsensus(func(c *models.ConsensusAssessment) bool {
		return c.Symbol == symbol && c.Status == models.PickStatusPending && !c.CreatedAt.After(createdBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListResolvedConsensus(_ context.Context, limit int) ([]models.ConsensusAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterConsensus(func(c *models.ConsensusAssessment) bool { return c.Status.IsTerminal() })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit, 200), nil
}

func (m *MemoryRepository) ResolveConsensus(_ context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consensus[id]
	if !ok {
		return false, nil
	}
	if err := c.Resolve(status, actualReturn, at); err != nil {
		if errors.Is(err, models.ErrAlreadyResolved) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResolveConsensusWithStats applies the status write and the stats update
// under one lock hold; neither is stored if fn fails.
func (m *MemoryRepository) ResolveConsensusWithStats(_ context.Context, id uuid.UUID, status models.PickStatus, actualReturn float64, at time.Time, fn func(*models.ConsensusStats) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consensus[id]
	if !ok {
		return false, nil
	}
	resolved := cloneConsensus(*c)
	if err := resolved.Resolve(status, actualReturn, at); err != nil {
		if errors.Is(err, models.ErrAlreadyResolved) {
			return false, nil
		}
		return false, err
	}

	var stats *models.ConsensusStats
	if key := resolved.CombinationKey; key != "" {
		stats = models.NewConsensusStats(key)
		if current, ok := m.stats[key]; ok {
			cp := cloneStats(*current)
			stats = &cp
		}
		if err := fn(stats); err != nil {
			return false, err
		}
	}

	m.consensus[id] = &resolved
	if stats != nil {
		stored := cloneStats(*stats)
		m.stats[stats.CombinationKey] = &stored
	}
	return true, nil
}

// Calibrations

func (m *MemoryRepository) CreateCalibration(_ context.Context, c *models.Calibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibrations[c.Agent] = append(m.calibrations[c.Agent], *c)
	return nil
}

func (m *MemoryRepository) GetLatestCalibration(_ context.Context, agent string) (*models.Calibration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.calibrations[agent]
	if len(runs) == 0 {
		return nil, nil
	}
	latest := runs[0]
	for _, r := range runs[1:] {
		if !r.RunDate.Before(latest.RunDate) {
			latest = r
		}
	}
	return &latest, nil
}

// Factor outcomes

func (m *MemoryRepository) InsertFactorOutcome(_ context.Context, o *models.FactorOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := factorKey{o.FactorID, o.PickID}
	if _, dup := m.outcomeKeys[key]; dup {
		return false, nil
	}
	m.outcomeKeys[key] = struct{}{}
	m.outcomes = append(m.outcomes, *o)
	return true, nil
}

func (m *MemoryRepository) ListFactorOutcomes(_ context.Context, factorID string) ([]models.FactorOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FactorOutcome
	// newest first; insertion order breaks ties
	for i := len(m.outcomes) - 1; i >= 0; i-- {
		if m.outcomes[i].FactorID == factorID {
			out = append(out, m.outcomes[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListFactorIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, o := range m.outcomes {
		if _, ok := seen[o.FactorID]; !ok {
			seen[o.FactorID] = struct{}{}
			ids = append(ids, o.FactorID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Consensus stats

func (m *MemoryRepository) GetConsensusStats(_ context.Context, key string) (*models.ConsensusStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[key]
	if !ok {
		return nil, nil
	}
	cp := cloneStats(*s)
	return &cp, nil
}

func (m *MemoryRepository) ListConsensusStats(_ context.Context, limit int) ([]models.ConsensusStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConsensusStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, cloneStats(*s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimesAgreed != out[j].TimesAgreed {
			return out[i].TimesAgreed > out[j].TimesAgreed
		}
		return out[i].CombinationKey < out[j].CombinationKey
	})
	return truncate(out, limit, 50), nil
}

// UpdateConsensusStats holds the store lock for the duration of fn, which
// gives the same serialization as the row lock in PostgreSQL.
func (m *MemoryRepository) UpdateConsensusStats(_ context.Context, key string, fn func(*models.ConsensusStats) error) (*models.ConsensusStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.stats[key]
	var working models.ConsensusStats
	if ok {
		working = cloneStats(*current)
	} else {
		working = *models.NewConsensusStats(key)
	}
	if err := fn(&working); err != nil {
		return nil, err
	}
	stored := cloneStats(working)
	m.stats[key] = &stored
	return &working, nil
}

func truncate[T any](s []T, limit, def int) []T {
	if limit <= 0 {
		limit = def
	}
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
