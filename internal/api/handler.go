package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"trade-consensus/agents"
	"trade-consensus/config"
	"trade-consensus/internal/app"
	"trade-consensus/models"
	"trade-consensus/observability"
	"trade-consensus/resolver"
	"trade-consensus/services"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
	maxBodyBytes     = 1 << 16
)

// Handler serves the harness API on top of the app facade
type Handler struct {
	app *app.App
	cfg *config.Config
}

// NewHandler creates a new Handler
func NewHandler(application *app.App, cfg *config.Config) *Handler {
	return &Handler{app: application, cfg: cfg}
}

// CollectRequest asks for a fresh round of forecasts on one symbol
type CollectRequest struct {
	Symbol string `json:"symbol"`
}

// HandleHealth reports dependency status. Degraded answers 503 so load
// balancers can act on it.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.app.Health(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.jsonStatus(w, status, code)
}

// HandleGetProviders lists the registered forecast providers
func (h *Handler) HandleGetProviders(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{"providers": h.app.Providers()})
}

// HandleCollect gathers fresh picks for a symbol and builds their consensus
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	var req CollectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.app.CollectForecasts(r.Context(), req.Symbol)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, result)
}

// HandleResolvePendingPicks runs one resolver sweep and returns its summary
func (h *Handler) HandleResolvePendingPicks(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.ResolvePendingPicks(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, summary)
}

// HandleGetPick returns one pick
func (h *Handler) HandleGetPick(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.GetPick(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, p)
}

// HandleForceResolve resolves one pick immediately
func (h *Handler) HandleForceResolve(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.ForceResolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, p)
}

// HandleBuildConsensus fuses the symbol's pending picks into a verdict
func (h *Handler) HandleBuildConsensus(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.BuildConsensus(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, c)
}

// HandleListConsensus returns the symbol's recent consensus records
func (h *Handler) HandleListConsensus(w http.ResponseWriter, r *http.Request) {
	records, err := h.app.ListConsensus(r.Context(), chi.URLParam(r, "symbol"), h.ParseLimitParam(r, defaultListLimit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, records)
}

// HandleListConsensusStats returns the most frequent agent combinations
func (h *Handler) HandleListConsensusStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.ListConsensusStats(r.Context(), h.ParseLimitParam(r, defaultListLimit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, stats)
}

// HandleGetConsensusStats returns one combination's track record
func (h *Handler) HandleGetConsensusStats(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		h.jsonError(w, "invalid combination key", http.StatusBadRequest)
		return
	}
	stats, err := h.app.GetConsensusStats(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, stats)
}

// HandleGetCalibration returns an agent's latest calibration
func (h *Handler) HandleGetCalibration(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.GetLatestCalibration(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, c)
}

// HandleRecomputeCalibration recalibrates an agent now
func (h *Handler) HandleRecomputeCalibration(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.RecomputeCalibration(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, c)
}

// HandleGetTopFactors ranks factors best first
func (h *Handler) HandleGetTopFactors(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.GetTopPerformingFactors(r.Context(), h.ParseLimitParam(r, 10), parseIntParam(r, "min_usage", 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, stats)
}

// HandleGetWorstFactors ranks factors worst first
func (h *Handler) HandleGetWorstFactors(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.GetWorstPerformingFactors(r.Context(), h.ParseLimitParam(r, 10), parseIntParam(r, "min_usage", 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, stats)
}

// HandleGetFactorStats returns one factor's aggregate
func (h *Handler) HandleGetFactorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.GetFactorStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonResponse(w, stats)
}

// ParseLimitParam reads ?limit=, capped at maxListLimit
func (h *Handler) ParseLimitParam(r *http.Request, defaultLimit int) int {
	limit := parseIntParam(r, "limit", defaultLimit)
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func parseIntParam(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, agents.ErrSymbolRequired):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotFound), errors.Is(err, resolver.ErrPickNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyResolved), errors.Is(err, resolver.ErrPickClaimed):
		return http.StatusConflict
	case errors.Is(err, app.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrNoPrice), errors.Is(err, services.ErrServiceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, app.ErrNotInitialized), errors.Is(err, agents.ErrNoProviders):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		observability.Error("request failed", "error", err)
	}
	h.jsonError(w, err.Error(), code)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	h.jsonStatus(w, data, http.StatusOK)
}

func (h *Handler) jsonStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		observability.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonStatus(w, map[string]string{"error": message}, status)
}
