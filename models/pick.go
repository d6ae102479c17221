package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidDirection      = errors.New("invalid direction")
	ErrInvalidInterpretation = errors.New("invalid interpretation")
	ErrInvalidStatus         = errors.New("invalid pick status")
	ErrInvalidTimeframe      = errors.New("invalid timeframe")
	ErrAlreadyResolved       = errors.New("pick already resolved")
	ErrNotTerminal           = errors.New("resolution status must be terminal")
)

// Direction is the forecast direction of a pick
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionHold Direction = "HOLD"
)

// Directions lists every valid direction in a stable order
var Directions = []Direction{DirectionUp, DirectionDown, DirectionHold}

// ParseDirection converts free text into a Direction, rejecting anything
// outside UP/DOWN/HOLD.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToUpper(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
	return d, nil
}

func (d Direction) IsValid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionHold:
		return true
	}
	return false
}

// Interpretation is how an agent reads a factor
type Interpretation string

const (
	InterpretationBullish Interpretation = "BULLISH"
	InterpretationBearish Interpretation = "BEARISH"
	InterpretationNeutral Interpretation = "NEUTRAL"
)

// ParseInterpretation converts free text into an Interpretation
func ParseInterpretation(s string) (Interpretation, error) {
	i := Interpretation(strings.ToUpper(strings.TrimSpace(s)))
	if !i.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterpretation, s)
	}
	return i, nil
}

func (i Interpretation) IsValid() bool {
	switch i {
	case InterpretationBullish, InterpretationBearish, InterpretationNeutral:
		return true
	}
	return false
}

// PickStatus is the lifecycle state shared by picks and consensus records
type PickStatus string

const (
	PickStatusPending PickStatus = "PENDING"
	PickStatusWin     PickStatus = "WIN"
	PickStatusLoss    PickStatus = "LOSS"
	PickStatusExpired PickStatus = "EXPIRED"
)

// ParsePickStatus converts free text into a PickStatus
func ParsePickStatus(s string) (PickStatus, error) {
	st := PickStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func (s PickStatus) IsValid() bool {
	switch s {
	case PickStatusPending, PickStatusWin, PickStatusLoss, PickStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed
func (s PickStatus) IsTerminal() bool {
	return s == PickStatusWin || s == PickStatusLoss || s == PickStatusExpired
}

// Timeframe is the horizon a pick is expected to play out over
type Timeframe string

const (
	Timeframe1W Timeframe = "1W"
	Timeframe2W Timeframe = "2W"
	Timeframe1M Timeframe = "1M"
	Timeframe3M Timeframe = "3M"
	Timeframe6M Timeframe = "6M"
	Timeframe1Y Timeframe = "1Y"
)

var timeframeDays = map[Timeframe]int{
	Timeframe1W: 7,
	Timeframe2W: 14,
	Timeframe1M: 30,
	Timeframe3M: 90,
	Timeframe6M: 180,
	Timeframe1Y: 365,
}

// ParseTimeframe converts free text into a Timeframe
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := timeframeDays[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

// Duration returns the wall-clock length of the timeframe
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeDays[tf]) * 24 * time.Hour
}

// FactorAssessment is one piece of reasoning evidence cited by an agent
type FactorAssessment struct {
	FactorID       string         `json:"factor_id"`
	Name           string         `json:"name"`
	Value          string         `json:"value"`
	Interpretation Interpretation `json:"interpretation"`
	Confidence     float64        `json:"confidence"`
	Rationale      string         `json:"rationale,omitempty"`
}

// Validate checks a factor assessment at the ingestion boundary
func (f FactorAssessment) Validate() error {
	if strings.TrimSpace(f.FactorID) == "" {
		return errors.New("factor id is required")
	}
	if !f.Interpretation.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidInterpretation, f.Interpretation)
	}
	if f.Confidence < 0 || f.Confidence > 100 {
		return fmt.Errorf("factor confidence %.2f out of range", f.Confidence)
	}
	return nil
}

// Pick is one agent's directional forecast for one symbol
type Pick struct {
	ID              uuid.UUID          `json:"id"`
	Agent           string             `json:"agent"`
	Symbol          string             `json:"symbol"`
	Sector          string             `json:"sector,omitempty"`
	MarketCondition string             `json:"market_condition,omitempty"`
	Direction       Direction          `json:"direction"`
	Confidence      float64            `json:"confidence"`
	Timeframe       Timeframe          `json:"timeframe"`
	EntryPrice      decimal.Decimal    `json:"entry_price"`
	TargetPrice     decimal.Decimal    `json:"target_price"`
	StopLoss        decimal.Decimal    `json:"stop_loss"`
	Thesis          string             `json:"thesis,omitempty"`
	Factors         []FactorAssessment `json:"factors,omitempty"`
	BullishFactors  []string           `json:"bullish_factors,omitempty"`
	BearishFactors  []string           `json:"bearish_factors,omitempty"`
	Risks           []string           `json:"risks,omitempty"`
	Catalysts       []string           `json:"catalysts,omitempty"`
	Status          PickStatus         `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`

	// Written exactly once, at resolution
	ClosedPrice  decimal.Decimal `json:"closed_price"`
	ActualReturn float64         `json:"actual_return"`
	HitTarget    bool            `json:"hit_target"`
	HitStopLoss  bool            `json:"hit_stop_loss"`
	DaysHeld     int             `json:"days_held"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// NewPick creates a pending pick whose expiry follows from its timeframe
func NewPick(agent, symbol string, direction Direction, confidence float64, timeframe Timeframe) *Pick {
	now := time.Now()
	return &Pick{
		ID:         uuid.New(),
		Agent:      agent,
		Symbol:     strings.ToUpper(symbol),
		Direction:  direction,
		Confidence: confidence,
		Timeframe:  timeframe,
		Status:     PickStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeframe.Duration()),
	}
}

// Validate is the ingestion boundary for picks. Malformed factor assessments
// are dropped rather than failing the whole pick; the returned count says
// how many were removed.
func (p *Pick) Validate() (dropped int, err error) {
	if strings.TrimSpace(p.Agent) == "" {
		return 0, errors.New("pick agent is required")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return 0, errors.New("pick symbol is required")
	}
	if !p.Direction.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, p.Direction)
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		return 0, fmt.Errorf("pick confidence %.2f out of range", p.Confidence)
	}
	if _, ok := timeframeDays[p.Timeframe]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, p.Timeframe)
	}
	if !p.EntryPrice.IsPositive() {
		return 0, errors.New("pick entry price must be positive")
	}
	if p.Status == "" {
		p.Status = PickStatusPending
	}
	if p.Status != PickStatusPending {
		return 0, fmt.Errorf("new pick must be %s, got %s", PickStatusPending, p.Status)
	}

	valid := p.Factors[:0]
	for _, f := range p.Factors {
		if f.Validate() != nil {
			dropped++
			continue
		}
		valid = append(valid, f)
	}
	p.Factors = valid
	p.Symbol = strings.ToUpper(p.Symbol)
	return dropped, nil
}

// IsExpired reports whether a pending pick has passed its expiry
func (p *Pick) IsExpired(now time.Time) bool {
	return p.Status == PickStatusPending && !p.ExpiresAt.After(now)
}

// Resolution holds the terminal fields written to a pick once
type Resolution struct {
	Status       PickStatus      `json:"status"`
	ClosedPrice  decimal.Decimal `json:"closed_price"`
	ActualReturn float64         `json:"actual_return"`
	HitTarget    bool            `json:"hit_target"`
	HitStopLoss  bool            `json:"hit_stop_loss"`
	DaysHeld     int             `json:"days_held"`
	ResolvedAt   time.Time       `json:"resolved_at"`
}

// Resolve performs the single write-once transition out of PENDING
func (p *Pick) Resolve(r Resolution) error {
	if p.Status.IsTerminal() {
		return ErrAlreadyResolved
	}
	if !r.Status.IsTerminal() {
		return ErrNotTerminal
	}
	resolvedAt := r.ResolvedAt
	p.Status = r.Status
	p.ClosedPrice = r.ClosedPrice
	p.ActualReturn = r.ActualReturn
	p.HitTarget = r.HitTarget
	p.HitStopLoss = r.HitStopLoss
	p.DaysHeld = r.DaysHeld
	p.ResolvedAt = &resolvedAt
	return nil
}
