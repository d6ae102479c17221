package consensus

import (
	"sort"

	"trade-consensus/models"
)

// Similarity weights
const (
	symbolWeight    = 0.5
	agentsWeight    = 0.3
	directionWeight = 0.2

	MinSimilarity    = 0.3
	MaxSimilarSetups = 5
)

// Similarity scores how closely a past consensus resembles a new one
func Similarity(symbol string, agents []string, direction models.Direction, past *models.ConsensusAssessment) float64 {
	var s float64
	if past.Symbol == symbol {
		s += symbolWeight
	}
	s += agentsWeight * jaccard(agents, past.AgreeingAgents)
	if past.Direction == direction {
		s += directionWeight
	}
	return s
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, x := range b {
		if seen[x] {
			continue
		}
		seen[x] = true
		if set[x] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// FindSimilarSetups ranks resolved history against a new verdict and keeps
// the closest matches above MinSimilarity
func FindSimilarSetups(symbol string, agents []string, direction models.Direction, history []models.ConsensusAssessment) []models.SimilarSetup {
	out := []models.SimilarSetup{}
	for i := range history {
		past := &history[i]
		if !past.Status.IsTerminal() {
			continue
		}
		score := Similarity(symbol, agents, direction, past)
		if score <= MinSimilarity {
			continue
		}
		out = append(out, models.SimilarSetup{
			ConsensusID:  past.ID,
			Symbol:       past.Symbol,
			Direction:    past.Direction,
			Status:       past.Status,
			ActualReturn: past.ActualReturn,
			Similarity:   score,
			CreatedAt:    past.CreatedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > MaxSimilarSetups {
		out = out[:MaxSimilarSetups]
	}
	return out
}
