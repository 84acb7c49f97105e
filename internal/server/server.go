// Package server implements the bridge's HTTP surface: the task queue
// endpoints the dispatcher posts to, the redirect/content-negotiation
// endpoint, and a health check.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/protocol"
	"github.com/brigfed/brig/internal/queue"
	"github.com/brigfed/brig/internal/store"
)

// Server is the bridge's HTTP server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	bridge *protocol.Router
	router *chi.Mux
	log    *slog.Logger
	mounts map[string]http.Handler
}

// New creates a Server. mounts are plugin adapter handlers, keyed by the
// path prefix they serve under.
func New(cfg *config.Config, st *store.Store, bridge *protocol.Router, log *slog.Logger, mounts map[string]http.Handler) *Server {
	s := &Server{cfg: cfg, store: st, bridge: bridge, log: log, mounts: mounts}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting HTTP server", "addr", addr, "domain", s.cfg.PrimaryDomain)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Post("/queue/{queue}", s.handleQueueTask)
	r.Get("/r/*", s.handleRedirect)

	for prefix, h := range s.mounts {
		r.Mount(prefix, h)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "brig - a federation bridge between decentralized social protocols.\n\nRunning on %s\n", s.cfg.PrimaryDomain)
	})

	return r
}

// handleQueueTask runs one queued task. Only the task dispatcher may call
// it, authenticated by the shared secret header.
func (s *Server) handleQueueTask(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(queue.DispatchHeader) != s.cfg.QueueSecret {
		jsonError(w, "queue endpoints are dispatcher-only", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		jsonError(w, "bad form body", http.StatusBadRequest)
		return
	}

	status, err := s.bridge.HandleTask(r.Context(), chi.URLParam(r, "queue"), r.PostForm)
	if err != nil {
		s.log.Warn("task handler failed", "queue", chi.URLParam(r, "queue"), "err", err)
		jsonError(w, err.Error(), protocol.StatusCode(err))
		return
	}
	w.WriteHeader(status)
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	jsonResponse(w, map[string]string{"error": msg}, status)
}

// loggingMiddleware logs each HTTP request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
