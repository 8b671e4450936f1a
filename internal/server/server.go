package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/analytics"
	"github.com/reims/reims-ai/internal/audit"
	"github.com/reims/reims-ai/internal/middleware"
	"github.com/reims/reims-ai/internal/modelcache"
)

// Package server exposes the detection pipeline over HTTP.
//
// Endpoints:
//   GET  /health                     liveness
//   GET  /ready                      readiness (running with a pipeline)
//   GET  /info                       build and detector summary
//   GET  /metrics                    Prometheus metrics
//   POST /api/v1/detect              run the ensemble over one series
//   GET  /api/v1/anomalies           anomalies from recent reports
//   GET  /api/v1/models              cached model records
//   POST /api/v1/models/invalidate   deactivate cached models
//   POST /api/v1/models/prune        delete inactive and expired models
//
// Integration Points:
//   - Middleware: correlation IDs, request logging, panic recovery, detect rate limit
//   - Pipeline: swapped in place on configuration reload
//   - Model Cache: listing, invalidation, pruning
//   - Audit: every run and anomaly decision

// Version is reported by /info.
const Version = "0.3.0"

const defaultMaxBodyBytes = 8 << 20

// Config holds listener settings.
type Config struct {
	// Addr is the API listen address.
	Addr string
	// MetricsAddr, when set, also serves /metrics on a separate listener.
	MetricsAddr string
	// MaxBodyBytes bounds request bodies (default 8 MiB).
	MaxBodyBytes int64
	// DetectRatePerMin limits detect requests per client; 0 disables.
	DetectRatePerMin int
}

// Server represents the reims-ai detection server
type Server struct {
	config Config

	cache   *modelcache.Cache
	audit   audit.Logger
	logger  *zap.Logger
	limiter *middleware.RateLimiter

	// HTTP servers
	httpServer    *http.Server
	metricsServer *http.Server

	// Lifecycle
	wg      sync.WaitGroup
	errCh   chan error
	started time.Time

	// State
	mu       sync.RWMutex
	pipeline *analytics.Pipeline
	running  bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithAudit(a audit.Logger) Option {
	return func(s *Server) {
		if a != nil {
			s.audit = a
		}
	}
}

// NewServer creates a server around an already wired pipeline and cache.
func NewServer(cfg Config, pipeline *analytics.Pipeline, cache *modelcache.Cache, opts ...Option) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	srv := &Server{
		config:   cfg,
		pipeline: pipeline,
		cache:    cache,
		audit:    audit.NopLogger{},
		logger:   zap.NewNop(),
		errCh:    make(chan error, 2),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if cfg.DetectRatePerMin > 0 {
		srv.limiter = middleware.NewRateLimiter(cfg.DetectRatePerMin)
	}
	return srv, nil
}

// SetPipeline replaces the pipeline used by subsequent requests. The new
// pipeline takes over the report history, so /api/v1/anomalies survives a
// config reload.
func (s *Server) SetPipeline(p *analytics.Pipeline) {
	if p == nil {
		return
	}
	s.mu.Lock()
	p.InheritHistory(s.pipeline)
	s.pipeline = p
	s.mu.Unlock()
}

func (s *Server) currentPipeline() *analytics.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// Handler returns the API mux behind the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return middleware.Chain(mux,
		middleware.Correlation,
		middleware.Logging(s.logger),
		middleware.Recover(s.logger),
	)
}

// Start starts the listeners in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.started = time.Now()
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.serve(s.httpServer, "api")

	if s.config.MetricsAddr != "" && s.config.MetricsAddr != s.config.Addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.serve(s.metricsServer, "metrics")
	}

	s.logger.Info("reims-ai server started",
		zap.String("addr", s.config.Addr),
		zap.String("metrics_addr", s.config.MetricsAddr),
	)
	return nil
}

func (s *Server) serve(hs *http.Server, name string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener failed", zap.String("listener", name), zap.Error(err))
			s.errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}()
}

// Errors reports listener failures after Start.
func (s *Server) Errors() <-chan error { return s.errCh }

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	for _, hs := range []*http.Server{s.httpServer, s.metricsServer} {
		if hs == nil {
			continue
		}
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	if err := s.audit.Sync(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("reims-ai server stopped")
	return errors.Join(errs...)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)
	mux.Handle("/metrics", promhttp.Handler())

	var detect http.Handler = http.HandlerFunc(s.handleDetect)
	if s.limiter != nil {
		detect = s.limiter.Middleware(detect)
	}
	mux.Handle("/api/v1/detect", detect)
	mux.HandleFunc("/api/v1/anomalies", s.handleAnomalies)
	mux.HandleFunc("/api/v1/models", s.handleModels)
	mux.HandleFunc("/api/v1/models/invalidate", s.handleModelsInvalidate)
	mux.HandleFunc("/api/v1/models/prune", s.handleModelsPrune)
}
