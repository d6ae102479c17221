package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResolutionSummary is the result of one resolver sweep
type ResolutionSummary struct {
	Processed      int           `json:"processed"`
	Wins           int           `json:"wins"`
	Losses         int           `json:"losses"`
	Expired        int           `json:"expired"`
	Skipped        int           `json:"skipped"`
	ConsensusAdded int           `json:"consensus_resolved"`
	FanOutRetried  int           `json:"fanout_retried"`
	Errors         []string      `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

// Count tallies a terminal status into the summary
func (s *ResolutionSummary) Count(status PickStatus) {
	s.Processed++
	switch status {
	case PickStatusWin:
		s.Wins++
	case PickStatusLoss:
		s.Losses++
	case PickStatusExpired:
		s.Expired++
	}
}

// ResolutionEvent is published for every pick that reaches a terminal state
type ResolutionEvent struct {
	PickID       uuid.UUID       `json:"pick_id"`
	Agent        string          `json:"agent"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Status       PickStatus      `json:"status"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ClosedPrice  decimal.Decimal `json:"closed_price"`
	ActualReturn float64         `json:"actual_return"`
	HitTarget    bool            `json:"hit_target"`
	HitStopLoss  bool            `json:"hit_stop_loss"`
	ResolvedAt   time.Time       `json:"resolved_at"`
}

// NewResolutionEvent builds the event for a resolved pick
func NewResolutionEvent(p *Pick) ResolutionEvent {
	ev := ResolutionEvent{
		PickID:       p.ID,
		Agent:        p.Agent,
		Symbol:       p.Symbol,
		Direction:    p.Direction,
		Status:       p.Status,
		EntryPrice:   p.EntryPrice,
		ClosedPrice:  p.ClosedPrice,
		ActualReturn: p.ActualReturn,
		HitTarget:    p.HitTarget,
		HitStopLoss:  p.HitStopLoss,
	}
	if p.ResolvedAt != nil {
		ev.ResolvedAt = *p.ResolvedAt
	}
	return ev
}

// MarketSnapshot is the market context handed to forecast providers
type MarketSnapshot struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}
