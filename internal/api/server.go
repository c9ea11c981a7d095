// Package api exposes the risk engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/provenance/internal/analyzer"
	"github.com/opensource-finance/provenance/internal/domain"
	"github.com/opensource-finance/provenance/internal/metrics"
	"github.com/opensource-finance/provenance/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. repo and cache may be nil.
func NewServer(cfg domain.ServerConfig, a *analyzer.Analyzer, repo domain.Repository, cache domain.Cache, version string) *Server {
	handler := NewHandler(a, repo, cache, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Post("/analyze-risk", handler.AnalyzeRisk)
		r.Get("/flagged-products", handler.FlaggedProducts)
		r.Get("/supplier-analytics/{address}", handler.SupplierAnalytics)
		r.Post("/clear-cache", handler.ClearCache)

		// Audit trail
		r.Get("/evaluations/{id}", handler.GetEvaluation)
		r.Get("/products/{id}/evaluations", handler.ListProductEvaluations)

		// Custom expression rules
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
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

// SetWorker attaches the async worker so /ready reports its subscriptions.
func (s *Server) SetWorker(w *worker.Worker) {
	s.handler.worker = w
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
