package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockServer_Forecast(t *testing.T) {
	m := NewMockServer()

	body := `{"symbol":"AAPL","snapshot":{"symbol":"AAPL","price":"200"}}`
	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/technical/forecast", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp pickResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "technical", resp.Agent)
	assert.Equal(t, "AAPL", resp.Symbol)
	assert.True(t, resp.EntryPrice.Equal(decimal.NewFromInt(200)))
	assert.True(t, resp.TargetPrice.Equal(decimal.NewFromInt(210)))
	assert.True(t, resp.StopLoss.Equal(decimal.NewFromInt(194)))
	assert.Equal(t, 1, m.ForecastCalls("technical"))
}

func TestMockServer_Routing(t *testing.T) {
	m := NewMockServer()
	m.SetFailure("sentiment", http.StatusBadGateway)
	m.SetDown("fundamental", true)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/technical/health", "", http.StatusOK},
		{http.MethodGet, "/fundamental/health", "", http.StatusServiceUnavailable},
		{http.MethodPost, "/sentiment/forecast", `{"symbol":"AAPL"}`, http.StatusBadGateway},
		{http.MethodPost, "/technical/forecast", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/unknown/health", "", http.StatusNotFound},
		{http.MethodGet, "/technical/forecast", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			m.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}

	m.SetFailure("sentiment", 0)
	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sentiment/forecast", strings.NewReader(`{"symbol":"AAPL"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Len(t, m.GetRequestLog(), len(tests)+1)
	m.ClearRequestLog()
	assert.Empty(t, m.GetRequestLog())
}
