// Package mocks provides an HTTP mock of the remote forecast services used in
// E2E tests and local runs.
package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MockServer serves every mock agent under its own path prefix:
// POST /{agent}/forecast and GET /{agent}/health.
type MockServer struct {
	mu     sync.RWMutex
	server *httptest.Server

	forecasts map[string]Forecast
	failures  map[string]int  // agent -> HTTP status to answer forecasts with
	down      map[string]bool // agent -> health check fails

	requestLog []RequestLog
}

// NewMockServer creates a handler with the default agents and no listener
func NewMockServer() *MockServer {
	m := &MockServer{
		forecasts:  make(map[string]Forecast),
		failures:   make(map[string]int),
		down:       make(map[string]bool),
		requestLog: make([]RequestLog, 0),
	}
	m.setDefaults()
	return m
}

// Start listens on a random local port
func (m *MockServer) Start() *MockServer {
	m.server = httptest.NewServer(m)
	return m
}

// URL returns the listening base URL
func (m *MockServer) URL() string {
	return m.server.URL
}

// AgentURL returns the base URL the collector should use for agent
func (m *MockServer) AgentURL(agent string) string {
	return m.server.URL + "/" + agent
}

// Close shuts down the listener
func (m *MockServer) Close() {
	if m.server != nil {
		m.server.Close()
	}
}

// Agents lists the agents with a configured forecast
func (m *MockServer) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.forecasts))
	for name := range m.forecasts {
		names = append(names, name)
	}
	return names
}

// ServeHTTP routes /{agent}/{forecast|health}
func (m *MockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agent, endpoint, _ := strings.Cut(strings.Trim(r.URL.Path, "/"), "/")

	entry := RequestLog{Method: r.Method, Agent: agent, Path: r.URL.Path}
	var req ForecastRequest
	if r.Method == http.MethodPost && r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			entry.Symbol = req.Symbol
		}
	}

	m.mu.Lock()
	m.requestLog = append(m.requestLog, entry)
	forecast, known := m.forecasts[agent]
	failStatus := m.failures[agent]
	isDown := m.down[agent]
	m.mu.Unlock()

	if !known {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}

	switch {
	case endpoint == "health" && r.Method == http.MethodGet:
		if isDown {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	case endpoint == "forecast" && r.Method == http.MethodPost:
		if failStatus != 0 {
			http.Error(w, "injected failure", failStatus)
			return
		}
		if req.Symbol == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}
		writeJSON(w, forecast.pick(agent, req))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (f Forecast) pick(agent string, req ForecastRequest) pickResponse {
	entry := req.Snapshot.Price
	return pickResponse{
		Agent:       agent,
		Symbol:      req.Symbol,
		Direction:   f.Direction,
		Confidence:  f.Confidence,
		Timeframe:   f.Timeframe,
		EntryPrice:  entry,
		TargetPrice: entry.Mul(decimal.NewFromFloat(f.TargetFactor)).Round(2),
		StopLoss:    entry.Mul(decimal.NewFromFloat(f.StopFactor)).Round(2),
		Thesis:      f.Thesis,
		Factors:     f.Factors,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// SetForecast configures the pick an agent answers with, registering the
// agent if it is new
func (m *MockServer) SetForecast(agent string, f Forecast) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forecasts[agent] = f
}

// SetFailure makes an agent's forecast endpoint answer with status. Zero
// clears the failure.
func (m *MockServer) SetFailure(agent string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failures, agent)
		return
	}
	m.failures[agent] = status
}

// SetDown makes an agent's health check fail
func (m *MockServer) SetDown(agent string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[agent] = down
}

// GetRequestLog returns all logged requests for assertions
func (m *MockServer) GetRequestLog() []RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RequestLog{}, m.requestLog...)
}

// ForecastCalls counts forecast requests received by agent
func (m *MockServer) ForecastCalls(agent string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requestLog {
		if r.Agent == agent && r.Method == http.MethodPost {
			n++
		}
	}
	return n
}

// ClearRequestLog clears the request log
func (m *MockServer) ClearRequestLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestLog = make([]RequestLog, 0)
}

// setDefaults registers three agents that agree on UP with different
// conviction, so a default collection always yields a consensus
func (m *MockServer) setDefaults() {
	m.forecasts["technical"] = Forecast{
		Direction:    "UP",
		Confidence:   72,
		Timeframe:    "1W",
		TargetFactor: 1.05,
		StopFactor:   0.97,
		Thesis:       "Breakout above the 50 day average on rising volume",
		Factors: []Factor{
			{FactorID: "rsi_oversold", Name: "RSI", Value: "28", Interpretation: "BULLISH", Confidence: 70},
			{FactorID: "volume_surge", Name: "Volume", Value: "2.1x", Interpretation: "BULLISH", Confidence: 65},
		},
	}
	m.forecasts["fundamental"] = Forecast{
		Direction:    "UP",
		Confidence:   64,
		Timeframe:    "1M",
		TargetFactor: 1.10,
		StopFactor:   0.93,
		Thesis:       "Earnings growth ahead of sector with a discounted multiple",
		Factors: []Factor{
			{FactorID: "pe_discount", Name: "P/E vs sector", Value: "0.8x", Interpretation: "BULLISH", Confidence: 60},
		},
	}
	m.forecasts["sentiment"] = Forecast{
		Direction:    "HOLD",
		Confidence:   55,
		Timeframe:    "1W",
		TargetFactor: 1.02,
		StopFactor:   0.98,
		Thesis:       "News flow is mixed",
		Factors: []Factor{
			{FactorID: "news_tone", Name: "News tone", Value: "neutral", Interpretation: "NEUTRAL", Confidence: 50},
		},
	}
}
