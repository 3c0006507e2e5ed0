// Package web provides the HTTP API for the Herd server.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/herdapp/herd-server/internal/config"
)

// Server is the HTTP server for the Herd API.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	logger   *log.Logger
}

// NewServer creates the API server with middleware and routes configured.
func NewServer(cfg *config.Config, handlers *Handlers, logger *log.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		router:   router,
		handlers: handlers,
		logger:   logger,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware(cfg *config.Config) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	// Requests without an Origin (curl, probes) pass through untouched.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{
			cfg.FrontendURL,
			"http://localhost:3000",
			"http://localhost:3001",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/auth/spotify", func(r chi.Router) {
			r.Get("/", h.AuthRedirect)
			r.Get("/callback", h.AuthCallback)
			r.Post("/save-tokens", h.SaveTokens)
		})

		r.Route("/spotify", func(r chi.Router) {
			r.Post("/refresh-token", h.RefreshToken)
			r.Post("/sync-listening-data", h.SyncListeningData)
			r.Get("/top-artists", h.TopArtists)
			r.Get("/sync-status", h.SyncStatus)
			r.Post("/sync-all-users", h.SyncAllUsers)
		})

		r.Get("/leaderboard/{artistID}", h.ArtistLeaderboard)
		r.Get("/artists/search", h.SearchArtists)
		r.Get("/users/{userID}/top-artists", h.UserTopArtists)
	})
}

// requestLogger logs each request with method, path, status and latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// Run starts the server and shuts it down gracefully when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}
