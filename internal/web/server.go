// Package web exposes the engine over a JSON HTTP API.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conorfennell/ankistore/internal/engine"
)

// maxUploadBytes bounds an uploaded package.
const maxUploadBytes = 512 << 20

// Options configures the routes that need more than the engine.
type Options struct {
	Sources  []string
	ReposDir string
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	engine *engine.Engine
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// NewServer creates and configures a new server.
func NewServer(e *engine.Engine, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: e,
		opts:   opts,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.router.Route("/decks", func(r chi.Router) {
		r.Get("/", s.handleGetDecks())
		r.Post("/", s.handlePostDeck())
	})
	s.router.Get("/stats", s.handleGetStats())

	s.router.Route("/review", func(r chi.Router) {
		r.Get("/next", s.handleGetNextReview())
		r.Post("/{cardID}", s.handlePostReview())
	})

	s.router.Post("/notes", s.handlePostNote())
	s.router.Post("/import", s.handlePostImport())

	s.router.Route("/media", func(r chi.Router) {
		r.Post("/register", s.handleRegisterMedia())
		r.Post("/release", s.handleReleaseMedia())
		r.Post("/gc", s.handleMediaGC())
	})

	s.router.Post("/sync", s.handlePostSync())
	s.router.Post("/save", s.handlePostSave())
}

// logRequests writes one log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
