package mocks

import "github.com/shopspring/decimal"

// ForecastRequest is what the collector posts to a forecast service
type ForecastRequest struct {
	Symbol   string `json:"symbol"`
	Snapshot struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	} `json:"snapshot"`
}

// Factor is one reasoning factor in a canned forecast
type Factor struct {
	FactorID       string  `json:"factor_id"`
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Interpretation string  `json:"interpretation"`
	Confidence     float64 `json:"confidence"`
}

// Forecast is the canned pick one agent answers with. Prices are expressed
// as multiples of the snapshot price so the same forecast fits any symbol.
type Forecast struct {
	Direction    string   `json:"direction"`
	Confidence   float64  `json:"confidence"`
	Timeframe    string   `json:"timeframe"`
	TargetFactor float64  `json:"-"`
	StopFactor   float64  `json:"-"`
	Thesis       string   `json:"thesis"`
	Factors      []Factor `json:"factors,omitempty"`
}

// pickResponse mirrors the pick payload the collector decodes
type pickResponse struct {
	Agent       string          `json:"agent"`
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	Confidence  float64         `json:"confidence"`
	Timeframe   string          `json:"timeframe"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	Thesis      string          `json:"thesis"`
	Factors     []Factor        `json:"factors,omitempty"`
}

// RequestLog records incoming requests for test assertions
type RequestLog struct {
	Method string
	Agent  string
	Path   string
	Symbol string
}
