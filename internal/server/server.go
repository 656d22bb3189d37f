// Package server provides the HTTP API for fuda.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/config"
	"github.com/hyperjump/fuda/internal/indexer"
	"github.com/hyperjump/fuda/internal/tagging"
)

// Server is the HTTP server for the tagging API.
type Server struct {
	service  *tagging.Service
	importer *indexer.Importer
	config   *config.ServerConfig
	logger   *zap.Logger
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithImporter enables the vocabulary import endpoint.
func WithImporter(im *indexer.Importer) Option {
	return func(s *Server) { s.importer = im }
}

// NewServer creates a server with the given dependencies.
func NewServer(service *tagging.Service, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		config:  cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.config != nil && s.config.WriteTimeout > 0 {
		r.Use(middleware.Timeout(s.config.WriteTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.With(s.requireClassifier).Post("/classify", s.handleClassify)
		r.With(s.requireMatcher).Post("/resolve", s.handleResolve)
		r.With(s.requireMatcher).Post("/match", s.handleMatch)

		r.Get("/tags/search", s.handleSearchTags)
		r.Get("/tags/suggest", s.handleSuggestTags)
		r.Get("/tags/{name}/exists", s.handleTagExists)

		r.Post("/index/rebuild", s.handleRebuildIndex)
		r.Post("/vocabulary/import", s.handleImport)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout + 5*time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) requireClassifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.service.Health().Status != tagging.StatusAvailable {
			s.respondUnavailable(w, "classification model is still loading")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireMatcher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.service.MatcherReady() {
			s.respondUnavailable(w, "tag index is not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}
