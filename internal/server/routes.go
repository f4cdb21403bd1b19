package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/observability"
	"github.com/keywatch/keywatch/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)

	// Prometheus scrape proxy
	s.router.Get("/metrics", MetricsHandler)

	s.registerProfileRoutes()
	s.registerAdminEndpoint()
}

func (s *Server) registerProfileRoutes() {
	if s.opts.Refresher == nil || s.opts.Store == nil {
		return
	}

	h := &handlers.ProfileHandlers{
		Refresher: s.opts.Refresher,
		Store:     s.opts.Store,
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/threads/{threadID}/refresh", h.RefreshThread)
		r.Post("/recipients/{recipientID}/refresh", h.RefreshRecipient)
		r.Get("/recipients/{recipientID}/identity", h.Identity)
	})
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	logger := observability.Current()

	if s.opts.AdminToken == "" {
		logger.Debug("Admin signal endpoint disabled (no admin token configured)")
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10,  // requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	logger.Info("Admin signal endpoint enabled",
		zap.String("path", "/admin/signal"),
		zap.String("auth", "bearer token"),
		zap.String("rate_limit", "10/min, burst 5"))
	logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
}
