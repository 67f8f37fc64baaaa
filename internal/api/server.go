package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(TracingMiddleware) // OpenTelemetry tracing
	router.Use(LoggingMiddleware) // Request logging
	router.Use(middleware.RealIP) // Extract real IP

	// Health endpoints (no scope required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// Websocket upgrades need the raw connection, so no compression.
	router.With(ScopeMiddleware).Get("/ws", handler.Subscribe)

	// API routes (scope required)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(ScopeMiddleware)

		// Weight configuration
		r.Get("/weights", handler.GetWeights)
		r.Put("/weights", handler.UpdateWeights)
		r.Post("/weights/validate", handler.ValidateWeights)

		// Batch recalculation
		r.Post("/recalculate", handler.StartRecalculation)
		r.Get("/recalculate/status", handler.RecalculationStatus)
		r.Post("/recalculate/cancel", handler.CancelRecalculation)

		// Clients and assessments
		r.Get("/clients", handler.ListClients)
		r.Put("/clients/{id}", handler.PutClient)
		r.Get("/clients/{id}/assessment", handler.GetAssessment)
		r.Post("/assess", handler.Assess)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
