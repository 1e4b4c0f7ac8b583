// Package server exposes the transcription pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/config"
	"github.com/chaz8081/gostt-server/internal/logging"
	"github.com/chaz8081/gostt-server/internal/metrics"
)

// Recognizer turns decoded audio into text. *transcribe.Engine implements it.
type Recognizer interface {
	Transcribe(ctx context.Context, d *audio.Decoded) (string, error)
}

// Server is the HTTP front end of the service.
type Server struct {
	cfg       config.ServerConfig
	tempDir   string
	modelName string
	engine    Recognizer
	logger    *log.Logger
	metrics   *metrics.Metrics
	startTime time.Time

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New builds a Server from cfg. A nil logger discards output and nil
// metrics get a private registry.
func New(cfg *config.Config, engine Recognizer, logger *log.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:       cfg.Server,
		tempDir:   cfg.Audio.TempDir,
		modelName: cfg.Transcribe.Model,
		engine:    engine,
		logger:    logger,
		metrics:   m,
		startTime: time.Now(),
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Post("/transcribe", s.instrument("/transcribe", s.handleTranscribe))
	r.Get("/health", s.instrument("/health", s.handleHealth))
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Kind: KindRequest})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: KindRequest})
	})

	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.http.Addr
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.http.Shutdown(ctx)
}
