package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tokengate/internal/config"
	"github.com/mbd888/tokengate/internal/health"
	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/metrics"
)

// Server wraps the HTTP server and the budget family.
type Server struct {
	cfg     *config.Config
	service *Service
	checks  *health.Registry
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	stopRuntime chan struct{}

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithService sets a pre-built budget service (for tests)
func WithService(svc *Service) Option {
	return func(s *Server) {
		s.service = svc
	}
}

// New creates a new counter server
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		checks:      health.NewRegistry(),
		stopRuntime: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, "json")
	}
	if s.service == nil {
		s.service = NewService(cfg, s.logger)
	}

	s.checks.Register("budgets", func(ctx context.Context) health.Status {
		st := s.service.Completion().Status()
		return health.OK("budgets", fmt.Sprintf("completion window resets in %ds", st.SecondsUntilReset))
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupMiddleware() {
	// Recovery with logging. A panic aborts one request; budget state
	// survives because every mutation is atomic under its mutex.
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
		})
	}))

	s.router.Use(metrics.Middleware())

	// Request logging
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.rootHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	NewHandler(s.service).RegisterRoutes(s.router)
}

// Router exposes the engine for httptest.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":                    "tokengate counter",
		"status":                 "running",
		"token_limit_per_minute": s.cfg.CompletionTokensPerMinute,
		"rate_limit_per_minute":  s.cfg.CompletionReqsPerMinute,
		"embedding_token_limit":  s.cfg.EmbeddingTokensPerMinute,
		"embedding_rate_limit":   s.cfg.EmbeddingReqsPerMinute,
		"whisper_rate_limit":     s.cfg.WhisperReqsPerMinute,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	status := "ok"
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the server and blocks until a shutdown signal or error.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting counter",
			"port", s.cfg.Port,
			"completion_tokens", s.cfg.CompletionTokensPerMinute,
			"completion_requests", s.cfg.CompletionReqsPerMinute,
			"embedding_tokens", s.cfg.EmbeddingTokensPerMinute,
			"embedding_requests", s.cfg.EmbeddingReqsPerMinute,
			"whisper_requests", s.cfg.WhisperReqsPerMinute,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	metrics.StartRuntimeCollector(15*time.Second, s.stopRuntime)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("counter ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Budgets are not persisted;
// whatever was held or committed this window is gone on restart.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	close(s.stopRuntime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
