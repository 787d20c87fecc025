package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new HTTP server over the given handlers
func NewServer(port string, handlers *Handlers, gatherer prometheus.Gatherer) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(RecoveryMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RequestID)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Admission surface
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", handlers.AdmitSession)
		r.Get("/", handlers.ListSessions)
		r.Delete("/{id}", handlers.ReleaseSession)
	})

	// Per-user management surface
	router.Route("/users/{username}", func(r chi.Router) {
		r.Get("/sessions", handlers.ListUserSessions)
		r.Get("/limit", handlers.GetUserLimit)
		r.Put("/limit", handlers.SetUserLimit)
		r.Delete("/limit", handlers.DeleteUserLimit)
	})

	router.Get("/limits", handlers.ListLimits)
	router.Get("/config", handlers.GetConfig)
	router.Put("/config", handlers.UpdateConfig)
	router.Get("/stats", handlers.GetStats)
	router.Get("/healthz", handlers.Healthz)
	router.Get("/events", handlers.StreamEvents)

	// Prometheus endpoint
	router.Method("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		router: router,
		server: server,
	}
}

// Router exposes the mux, for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.server.Addr)

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	slog.Info("HTTP server stopped")
	return nil
}
