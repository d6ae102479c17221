package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombinationKey(t *testing.T) {
	assert.Equal(t, "fundamental+news+technical", CombinationKey([]string{"technical", "news", "fundamental"}))
	assert.Equal(t, "a+b", CombinationKey([]string{"b", "a", "b", " ", "a "}))
	assert.Equal(t, "", CombinationKey(nil))

	assert.Equal(t, []string{"a", "b"}, SplitCombinationKey("a+b"))
	assert.Nil(t, SplitCombinationKey(""))
}

func TestNewDefaultConsensus(t *testing.T) {
	c := NewDefaultConsensus("msft", "not enough picks")

	assert.Equal(t, "MSFT", c.Symbol)
	assert.Equal(t, DirectionHold, c.Direction)
	assert.Zero(t, c.Strength)
	assert.Equal(t, 50.0, c.Confidence)
	assert.Empty(t, c.SimilarSetups)
	assert.Equal(t, PickStatusPending, c.Status)
}

func TestConsensusHasPick(t *testing.T) {
	id := uuid.New()
	c := &ConsensusAssessment{Votes: []AgentVote{
		{Agent: "technical", PickID: id},
		{Agent: "news", PickID: uuid.New()},
		{Agent: "technical", PickID: uuid.New()},
	}}

	assert.True(t, c.HasPick(id))
	assert.False(t, c.HasPick(uuid.New()))
}

func TestConsensusResolve(t *testing.T) {
	c := NewDefaultConsensus("AAPL", "")
	require.NoError(t, c.Resolve(PickStatusLoss, -3, time.Now()))
	assert.Equal(t, PickStatusLoss, c.Status)
	assert.ErrorIs(t, c.Resolve(PickStatusWin, 1, time.Now()), ErrAlreadyResolved)
}

func TestConsensusStatsRecordAccuracyIsExact(t *testing.T) {
	s := NewConsensusStats("news+technical")
	assert.Equal(t, []string{"news", "technical"}, s.Agents)

	outcomes := []bool{true, true, false, true, false, false, true}
	correct := 0
	for i, ok := range outcomes {
		s.Record(ok, float64(i), "")
		if ok {
			correct++
		}
		assert.Equal(t, float64(correct)/float64(i+1), s.AccuracyRate)
	}
	assert.Equal(t, len(outcomes), s.TimesAgreed)
	assert.Equal(t, correct, s.TimesCorrect)
	assert.InDelta(t, 3.0, s.AvgReturn, 1e-12)
}

func TestConsensusStatsSectorRanking(t *testing.T) {
	s := NewConsensusStats("a+b")
	s.Record(true, 2, "Energy")
	s.Record(true, 2, "Technology")
	s.Record(false, -2, "Healthcare")
	s.Record(true, 1, "Healthcare")

	assert.Equal(t, SectorResult{Agreed: 2, Correct: 1}, s.SectorResults["Healthcare"])
	// Energy and Technology tie at 1.0; the first by name wins
	assert.Equal(t, "Energy", s.BestSector)
	assert.Equal(t, "Healthcare", s.WorstSector)
}
