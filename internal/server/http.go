package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/fileapi"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/metrics"
	"github.com/yourorg/projectfeed/internal/oplog"
	"github.com/yourorg/projectfeed/internal/state"
	"github.com/yourorg/projectfeed/internal/stream"
	"github.com/yourorg/projectfeed/internal/watcher"
	"github.com/yourorg/projectfeed/internal/workspace"
)

// HTTPServer serves change streams, project files and management endpoints.
type HTTPServer struct {
	addr     string
	cfg      *config.Config
	st       *state.State
	registry *stream.Registry
	ws       *workspace.Workspace
	watch    *watcher.Service
	ops      *oplog.Log
	logger   *logging.Logger
	srv      *http.Server
}

// withOptionalAuth rejects requests without the shared token when one is configured.
// The token is read per request so ReloadConfig takes effect.
func withOptionalAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := cfg.Current().HTTPToken; token != "" && r.Header.Get(fileapi.TokenHeader) != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewHTTPServer wires the router. watch is only reported in /status and may be nil; watchers are
// started and stopped by the registry's hooks.
func NewHTTPServer(cfg *config.Config, st *state.State, registry *stream.Registry, ws *workspace.Workspace, watch *watcher.Service, ops *oplog.Log, logger *logging.Logger) *HTTPServer {
	s := &HTTPServer{
		addr:     cfg.HTTPAddr,
		cfg:      cfg,
		st:       st,
		registry: registry,
		ws:       ws,
		watch:    watch,
		ops:      ops,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/logs", s.handleLogs)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(withOptionalAuth(cfg))
		r.Get("/streams", s.handleStreams)
		r.Get("/projects", s.handleProjects)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/events", s.handleEvents)
			r.Get("/files", s.handleListFiles)
			r.Get("/file", s.handleReadFile)
			r.Post("/changes", s.handlePublish)
		})
	})

	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// event streams push their own per-write deadline past this
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *HTTPServer) Handler() http.Handler { return s.srv.Handler }

func (s *HTTPServer) Start() error {
	s.logger.Info("http server starting", logging.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown closes every open stream so their handlers return, then drains the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.registry.CloseAll()
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, fileapi.ErrorResponse{Error: msg})
}
