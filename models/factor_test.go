package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFactorWasCorrect(t *testing.T) {
	tests := []struct {
		name    string
		outcome PickStatus
		interp  Interpretation
		ret     float64
		want    bool
	}{
		{"bullish win", PickStatusWin, InterpretationBullish, 5, true},
		{"bullish win on a falling price", PickStatusWin, InterpretationBullish, -4, true},
		{"bearish win on a falling price", PickStatusWin, InterpretationBearish, -4, true},
		{"bearish win on a rising price", PickStatusWin, InterpretationBearish, 3, false},
		{"neutral win", PickStatusWin, InterpretationNeutral, 1, false},
		{"bullish loss", PickStatusLoss, InterpretationBullish, -5, false},
		{"bearish expired", PickStatusExpired, InterpretationBearish, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FactorWasCorrect(tt.outcome, tt.interp, tt.ret))
		})
	}
}

func TestAccuracyBucketAdd(t *testing.T) {
	var b AccuracyBucket
	b.Add(true)
	b.Add(false)
	b.Add(true)
	b.Add(true)

	assert.Equal(t, 4, b.Uses)
	assert.Equal(t, 3, b.Correct)
	assert.Equal(t, 0.75, b.Accuracy)
}
