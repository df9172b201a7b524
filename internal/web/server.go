// Package web provides an HTTP status and command server for the
// valve-controller daemon.
package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/status"
)

const (
	maxCommandBody        = 64 << 10
	defaultCommandTimeout = 10 * time.Second
)

// Server serves the status page over HTTP and accepts commands.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	metrics    http.Handler
	commands   chan<- command.Request
	timeout    time.Duration
	logger     *zap.SugaredLogger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCommands enables POST /api/commands/{name}, forwarding requests to ch.
func WithCommands(ch chan<- command.Request) Option {
	return func(s *Server) { s.commands = ch }
}

// WithCommandTimeout bounds how long a command request waits for the run loop.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		timeout: defaultCommandTimeout,
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Post("/api/commands/{name}", s.handleCommand)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugw("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Warnw("Render status page failed", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

type reply struct {
	body []byte
	err  error
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, "commands disabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	replies := make(chan reply, 1)
	req := command.Request{
		Name:    chi.URLParam(r, "name"),
		Payload: body,
		Source:  "http",
		Reply: func(resp []byte, err error) {
			replies <- reply{body: resp, err: err}
		},
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	select {
	case s.commands <- req:
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "command queue busy")
		return
	}

	select {
	case rep := <-replies:
		w.WriteHeader(statusFor(rep.err))
		w.Write(rep.body)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "no response from controller")
	}
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, command.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, command.ErrUnknownState), errors.Is(err, command.ErrMalformedRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
