package resolver

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trade-consensus/models"
)

// Outcome thresholds, in percent
const (
	MinWinReturnPct = 2.0
	HoldBandPct     = 3.0
)

var (
	ErrInvalidPrice = errors.New("entry and current price must be positive")

	hundred  = decimal.NewFromInt(100)
	minWin   = decimal.NewFromFloat(MinWinReturnPct)
	holdBand = decimal.NewFromFloat(HoldBandPct)
	returnDP = int32(4)
)

// Evaluation is the verdict for one pick at one price
type Evaluation struct {
	Status       models.PickStatus
	ActualReturn float64
	HitTarget    bool
	HitStopLoss  bool
}

// EvaluateOutcome applies the outcome rule for a pick that has reached its
// expiry. A zero target or stop disables that check.
func EvaluateOutcome(direction models.Direction, entry, target, stop, price decimal.Decimal) (Evaluation, error) {
	if !entry.IsPositive() || !price.IsPositive() {
		return Evaluation{}, fmt.Errorf("%w: entry=%s price=%s", ErrInvalidPrice, entry, price)
	}

	ret := price.Sub(entry).Div(entry).Mul(hundred)
	ev := Evaluation{ActualReturn: ret.Round(returnDP).InexactFloat64()}
	hasTarget, hasStop := !target.IsZero(), !stop.IsZero()

	switch direction {
	case models.DirectionUp:
		switch {
		case hasTarget && price.GreaterThanOrEqual(target):
			ev.Status, ev.HitTarget = models.PickStatusWin, true
		case hasStop && price.LessThanOrEqual(stop):
			ev.Status, ev.HitStopLoss = models.PickStatusLoss, true
		case price.GreaterThan(entry) && ret.GreaterThanOrEqual(minWin):
			ev.Status = models.PickStatusWin
		case price.GreaterThan(entry):
			ev.Status = models.PickStatusExpired
		default:
			ev.Status = models.PickStatusLoss
		}
	case models.DirectionDown:
		switch {
		case hasTarget && price.LessThanOrEqual(target):
			ev.Status, ev.HitTarget = models.PickStatusWin, true
		case hasStop && price.GreaterThanOrEqual(stop):
			ev.Status, ev.HitStopLoss = models.PickStatusLoss, true
		case price.LessThan(entry) && ret.LessThanOrEqual(minWin.Neg()):
			ev.Status = models.PickStatusWin
		case price.LessThan(entry):
			ev.Status = models.PickStatusExpired
		default:
			ev.Status = models.PickStatusLoss
		}
	case models.DirectionHold:
		if ret.Abs().LessThanOrEqual(holdBand) {
			ev.Status = models.PickStatusWin
		} else {
			ev.Status = models.PickStatusLoss
		}
	default:
		return Evaluation{}, fmt.Errorf("%w: %q", models.ErrInvalidDirection, direction)
	}
	return ev, nil
}
