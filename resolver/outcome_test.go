package resolver

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-consensus/models"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestEvaluateOutcome(t *testing.T) {
	tests := []struct {
		name       string
		direction  models.Direction
		entry      float64
		target     float64
		stop       float64
		price      float64
		wantStatus models.PickStatus
		wantTarget bool
		wantStop   bool
		wantReturn float64
	}{
		{"up hits target", models.DirectionUp, 100, 110, 95, 112, models.PickStatusWin, true, false, 12},
		{"up hits stop", models.DirectionUp, 100, 110, 95, 94, models.PickStatusLoss, false, true, -6},
		{"up gains enough", models.DirectionUp, 100, 110, 95, 103, models.PickStatusWin, false, false, 3},
		{"up gains too little", models.DirectionUp, 100, 110, 95, 101, models.PickStatusExpired, false, false, 1},
		{"up falls", models.DirectionUp, 100, 110, 95, 99, models.PickStatusLoss, false, false, -1},
		{"up exactly two percent", models.DirectionUp, 100, 110, 95, 102, models.PickStatusWin, false, false, 2},
		{"up flat", models.DirectionUp, 100, 110, 95, 100, models.PickStatusLoss, false, false, 0},
		{"up without target or stop", models.DirectionUp, 100, 0, 0, 150, models.PickStatusWin, false, false, 50},
		{"up without stop falls hard", models.DirectionUp, 100, 110, 0, 50, models.PickStatusLoss, false, false, -50},

		{"down hits target", models.DirectionDown, 100, 90, 105, 88, models.PickStatusWin, true, false, -12},
		{"down hits stop", models.DirectionDown, 100, 90, 105, 106, models.PickStatusLoss, false, true, 6},
		{"down falls enough", models.DirectionDown, 100, 90, 105, 97, models.PickStatusWin, false, false, -3},
		{"down falls too little", models.DirectionDown, 100, 90, 105, 99, models.PickStatusExpired, false, false, -1},
		{"down rises", models.DirectionDown, 100, 90, 105, 101, models.PickStatusLoss, false, false, 1},

		{"hold inside band", models.DirectionHold, 100, 0, 0, 103, models.PickStatusWin, false, false, 3},
		{"hold inside band below", models.DirectionHold, 100, 0, 0, 97.5, models.PickStatusWin, false, false, -2.5},
		{"hold outside band", models.DirectionHold, 100, 0, 0, 104, models.PickStatusLoss, false, false, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := EvaluateOutcome(tt.direction, d(tt.entry), d(tt.target), d(tt.stop), d(tt.price))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, ev.Status)
			assert.Equal(t, tt.wantTarget, ev.HitTarget)
			assert.Equal(t, tt.wantStop, ev.HitStopLoss)
			assert.InDelta(t, tt.wantReturn, ev.ActualReturn, 1e-9)
		})
	}
}

func TestEvaluateOutcome_ReturnPrecision(t *testing.T) {
	ev, err := EvaluateOutcome(models.DirectionUp, d(150), d(0), d(0), d(151))
	require.NoError(t, err)
	assert.Equal(t, 0.6667, ev.ActualReturn)
}

func TestEvaluateOutcome_InvalidInput(t *testing.T) {
	_, err := EvaluateOutcome(models.DirectionUp, decimal.Zero, d(110), d(95), d(100))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = EvaluateOutcome(models.DirectionUp, d(100), d(110), d(95), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = EvaluateOutcome("SIDEWAYS", d(100), d(110), d(95), d(101))
	assert.ErrorIs(t, err, models.ErrInvalidDirection)
}
