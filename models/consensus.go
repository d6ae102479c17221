package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentVote is one agent's contribution to a consensus
type AgentVote struct {
	Agent      string    `json:"agent"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	PickID     uuid.UUID `json:"pick_id"`
	Weight     float64   `json:"weight"` // calibration win rate used for this vote
}

// SimilarSetup references a resolved past consensus that resembles this one
type SimilarSetup struct {
	ConsensusID  uuid.UUID  `json:"consensus_id"`
	Symbol       string     `json:"symbol"`
	Direction    Direction  `json:"direction"`
	Status       PickStatus `json:"status"`
	ActualReturn float64    `json:"actual_return"`
	Similarity   float64    `json:"similarity"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ConsensusAssessment is the fused multi-agent verdict for one symbol
type ConsensusAssessment struct {
	ID             uuid.UUID      `json:"id"`
	Symbol         string         `json:"symbol"`
	Votes          []AgentVote    `json:"votes"`
	Direction      Direction      `json:"direction"`
	Strength       float64        `json:"strength"`   // 0-1 weighted vote share of Direction
	Confidence     float64        `json:"confidence"` // 0-100 after narrative adjustments
	AgreeingAgents []string       `json:"agreeing_agents"`
	CombinationKey string         `json:"combination_key"`
	Reasoning      string         `json:"reasoning"`
	SimilarSetups  []SimilarSetup `json:"similar_setups"`
	Status         PickStatus     `json:"status"`
	ActualReturn   float64        `json:"actual_return"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// NewDefaultConsensus returns the conservative verdict used whenever fusion
// cannot be completed.
func NewDefaultConsensus(symbol, reason string) *ConsensusAssessment {
	return &ConsensusAssessment{
		ID:            uuid.New(),
		Symbol:        strings.ToUpper(symbol),
		Direction:     DirectionHold,
		Strength:      0,
		Confidence:    50,
		Reasoning:     reason,
		SimilarSetups: []SimilarSetup{},
		Status:        PickStatusPending,
		CreatedAt:     time.Now(),
	}
}

// HasPick reports whether the given pick contributed a vote
func (c *ConsensusAssessment) HasPick(id uuid.UUID) bool {
	for _, v := range c.Votes {
		if v.PickID == id {
			return true
		}
	}
	return false
}

// Resolve transitions a pending consensus into a terminal status
func (c *ConsensusAssessment) Resolve(status PickStatus, actualReturn float64, at time.Time) error {
	if c.Status.IsTerminal() {
		return ErrAlreadyResolved
	}
	if !status.IsTerminal() {
		return ErrNotTerminal
	}
	c.Status = status
	c.ActualReturn = actualReturn
	c.ResolvedAt = &at
	return nil
}

// CombinationKey builds the identity of a group of agreeing agents: the
// sorted, de-duplicated agent ids joined by "+".
func CombinationKey(agents []string) string {
	return strings.Join(normalizeAgents(agents), "+")
}

// SplitCombinationKey is the inverse of CombinationKey
func SplitCombinationKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "+")
}

func normalizeAgents(agents []string) []string {
	seen := make(map[string]struct{}, len(agents))
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SectorResult counts agreements and correct calls within one sector
type SectorResult struct {
	Agreed  int `json:"agreed"`
	Correct int `json:"correct"`
}

// ConsensusStats tracks how reliable one exact combination of agreeing agents
// has been historically.
type ConsensusStats struct {
	CombinationKey string                  `json:"combination_key"`
	Agents         []string                `json:"agents"`
	TimesAgreed    int                     `json:"times_agreed"`
	TimesCorrect   int                     `json:"times_correct"`
	AccuracyRate   float64                 `json:"accuracy_rate"`
	AvgReturn      float64                 `json:"avg_return"`
	SectorResults  map[string]SectorResult `json:"sector_results"`
	BestSector     string                  `json:"best_sector,omitempty"`
	WorstSector    string                  `json:"worst_sector,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// NewConsensusStats creates an empty stats record for a combination
func NewConsensusStats(key string) *ConsensusStats {
	return &ConsensusStats{
		CombinationKey: key,
		Agents:         SplitCombinationKey(key),
		SectorResults:  make(map[string]SectorResult),
	}
}

// Record folds one resolved consensus into the stats. AccuracyRate is always
// recomputed from the counters, never adjusted incrementally.
func (s *ConsensusStats) Record(correct bool, actualReturn float64, sector string) {
	s.AvgReturn = (s.AvgReturn*float64(s.TimesAgreed) + actualReturn) / float64(s.TimesAgreed+1)
	s.TimesAgreed++
	if correct {
		s.TimesCorrect++
	}
	s.AccuracyRate = float64(s.TimesCorrect) / float64(s.TimesAgreed)

	if sector != "" {
		if s.SectorResults == nil {
			s.SectorResults = make(map[string]SectorResult)
		}
		sr := s.SectorResults[sector]
		sr.Agreed++
		if correct {
			sr.Correct++
		}
		s.SectorResults[sector] = sr
	}
	s.BestSector, s.WorstSector = rankSectorResults(s.SectorResults)
	s.UpdatedAt = time.Now()
}

func rankSectorResults(results map[string]SectorResult) (best, worst string) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	bestRate, worstRate := -1.0, 2.0
	for _, name := range names {
		r := results[name]
		if r.Agreed == 0 {
			continue
		}
		rate := float64(r.Correct) / float64(r.Agreed)
		if rate > bestRate {
			bestRate, best = rate, name
		}
		if rate < worstRate {
			worstRate, worst = rate, name
		}
	}
	return best, worst
}
