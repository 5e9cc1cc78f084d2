// Package server exposes a running acquisition over HTTP: its progress, a
// live playlist of the fragments fetched so far, and the fragments themselves.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agleyzer/paceload/internal/acquire"
	"github.com/agleyzer/paceload/internal/playlist"
	"github.com/agleyzer/paceload/internal/segment"
)

// Progress reports the state of an acquisition run.
type Progress interface {
	Snapshot() acquire.Snapshot
}

// Catalog lists stored fragments.
type Catalog interface {
	Segments(ctx context.Context, from, to int) ([]segment.Segment, []int, error)
	Contiguous(ctx context.Context, start int) (int, error)
	FragmentsDir() string
}

// Options configures the status server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:8080"
	Addr string
	// DefaultDuration is the playlist duration for fragments of unknown length
	DefaultDuration float64
}

// Server serves run status and a live HLS playlist
type Server struct {
	progress   Progress
	catalog    Catalog
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(progress Progress, catalog Catalog, opts Options, logger *slog.Logger) *Server {
	return &Server{
		progress: progress,
		catalog:  catalog,
		opts:     opts,
		logger:   logger,
	}
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/playlist.m3u8", s.handlePlaylist)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/fragments/", http.StripPrefix("/fragments/",
		http.FileServer(http.Dir(s.catalog.FragmentsDir()))))

	return s.loggingMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("starting status server", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist serves the contiguous fragments fetched so far. The
// playlist is an open EVENT list while the run is active and closed once it
// is done.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.progress.Snapshot()

	high, err := s.catalog.Contiguous(ctx, snap.Start)
	if err != nil {
		s.logger.Error("failed to read fragment range", "error", err)
		http.Error(w, "failed to read fragments", http.StatusInternalServerError)
		return
	}
	segments, _, err := s.catalog.Segments(ctx, snap.Start, high)
	if err != nil {
		s.logger.Error("failed to list fragments", "error", err)
		http.Error(w, "failed to list fragments", http.StatusInternalServerError)
		return
	}

	content, err := playlist.Generate(segments, playlist.Options{
		Live:            snap.State != acquire.StateDone,
		URIPrefix:       "/fragments/",
		DefaultDuration: s.opts.DefaultDuration,
	})
	if err != nil {
		s.logger.Error("failed to generate playlist", "error", err)
		http.Error(w, "failed to generate playlist", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// handleHealth serves the engine's progress snapshot
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"progress": s.progress.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
