package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade-consensus/config"
)

// NewRouter creates the chi router for the harness API
func NewRouter(h *Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	r.Use(CORSMiddleware(cfg.HTTP.CORSAllowedOrigins))
	r.Use(MetricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/providers", h.HandleGetProviders)

		// Collection and resolution
		r.Post("/collect", h.HandleCollect)
		r.Post("/resolve", h.HandleResolvePendingPicks)

		r.Route("/picks/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetPick)
			r.Post("/resolve", h.HandleForceResolve)
		})

		// Consensus
		r.Route("/consensus/{symbol}", func(r chi.Router) {
			r.Get("/", h.HandleListConsensus)
			r.Post("/", h.HandleBuildConsensus)
		})
		r.Route("/consensus-stats", func(r chi.Router) {
			r.Get("/", h.HandleListConsensusStats)
			r.Get("/{key}", h.HandleGetConsensusStats)
		})

		// Learning
		r.Route("/calibrations/{agent}", func(r chi.Router) {
			r.Get("/", h.HandleGetCalibration)
			r.Post("/recompute", h.HandleRecomputeCalibration)
		})
		r.Route("/factors", func(r chi.Router) {
			r.Get("/top", h.HandleGetTopFactors)
			r.Get("/worst", h.HandleGetWorstFactors)
			r.Get("/{id}", h.HandleGetFactorStats)
		})
	})

	return r
}
