package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freifunk-graviton/hybridmac/internal/auth"
	"github.com/freifunk-graviton/hybridmac/internal/events"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Options holds the HTTP server timeouts.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	ctrl           *lifecycle.Guarded
	authMiddleware *auth.Middleware
	events         *events.Hub
	log            zerolog.Logger
	opts           Options
	startTime      time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates an API server over ctrl. A nil authMiddleware leaves
// every route open.
func NewServer(ctrl *lifecycle.Guarded, authMiddleware *auth.Middleware, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		ctrl:           ctrl,
		authMiddleware: authMiddleware,
		log:            logger.With().Str("component", "api").Logger(),
		opts:           opts,
		startTime:      time.Now(),
	}
}

// SetEventHub enables the event stream and slot edit notifications.
func (s *Server) SetEventHub(h *events.Hub) {
	s.events = h
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", l.Addr().String()).Msg("API listening")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Start listens on addr and serves.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
