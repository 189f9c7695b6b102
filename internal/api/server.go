// Package api exposes the interview orchestrator over HTTP.
package api

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/0x6d61/proctor/internal/capture"
	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/events"
	"github.com/0x6d61/proctor/internal/metrics"
	"github.com/0x6d61/proctor/internal/report"
)

// SampleStore receives identity samples uploaded by candidates.
type SampleStore interface {
	Put(ctx context.Context, userID string, face, voice []byte) error
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	orch    *engine.Orchestrator
	samples SampleStore

	frames   *capture.Buffer
	hub      *events.Hub
	metrics  *metrics.Metrics
	narrator *report.Narrator
	logger   *slog.Logger

	jwtSecret      []byte
	allowedOrigins []string
	maxUploadBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithFrames enables the /frames endpoint, which feeds the scheduled
// verification loop.
func WithFrames(b *capture.Buffer) Option {
	return func(s *Server) { s.frames = b }
}

// WithHub enables the websocket event stream.
func WithHub(h *events.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics enables /metrics and request instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithNarrator sets the summary narrator.
func WithNarrator(n *report.Narrator) Option {
	return func(s *Server) { s.narrator = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithJWTSecret enables bearer token authentication. Without a secret the
// server trusts the X-User-ID header.
func WithJWTSecret(secret string) Option {
	return func(s *Server) { s.jwtSecret = []byte(secret) }
}

// WithAllowedOrigins sets the CORS origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithMaxUploadBytes bounds multipart request bodies.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUploadBytes = n }
}

// New returns a Server.
func New(orch *engine.Orchestrator, samples SampleStore, opts ...Option) *Server {
	s := &Server{
		orch:           orch,
		samples:        samples,
		maxUploadBytes: 10 << 20,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.narrator == nil {
		s.narrator = report.NewNarrator(nil, "", s.logger)
	}
	return s
}

// Handler returns the root handler with CORS and instrumentation applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.Handle("POST /api/samples", s.authenticate(s.uploadSamples))
	mux.Handle("POST /api/interviews", s.authenticate(s.startInterview))
	mux.Handle("GET /api/interviews/{id}", s.authenticate(s.getInterview))
	mux.Handle("GET /api/interviews/{id}/question", s.authenticate(s.nextQuestion))
	mux.Handle("POST /api/interviews/{id}/answer", s.authenticate(s.submitAnswer))
	mux.Handle("PUT /api/interviews/{id}/draft", s.authenticate(s.saveDraft))
	mux.Handle("POST /api/interviews/{id}/verify", s.authenticate(s.verify))
	mux.Handle("POST /api/interviews/{id}/violations", s.authenticate(s.reportViolation))
	mux.Handle("POST /api/interviews/{id}/terminate", s.authenticate(s.terminate))
	mux.Handle("GET /api/interviews/{id}/summary", s.authenticate(s.summary))
	if s.frames != nil {
		mux.Handle("POST /api/interviews/{id}/frames", s.authenticate(s.pushFrame))
	}
	if s.hub != nil {
		mux.Handle("GET /ws/interviews/{id}", s.authenticate(s.stream))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.instrument(mux))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.orch.Active(),
	})
}

// --------------------------------------------------------------------------
// Instrumentation
// --------------------------------------------------------------------------

// statusRecorder captures the response code. It forwards Hijack so the
// websocket upgrade keeps working behind it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, rec.code, elapsed)
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"code", rec.code,
			"duration", elapsed,
		)
	})
}
