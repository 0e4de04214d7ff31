// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/ingest"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/sessions"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// Version is reported by /health and attached to traces.
var Version = "0.1.0"

const (
	healthCheckTimeout = 3 * time.Second
	hubStopTimeout     = 5 * time.Second

	// Session-store circuit: open after this many consecutive failures.
	storeFailureThreshold = 5
	storeCoolDown         = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	store           sessions.Store
	storeBackend    string
	db              *sql.DB // nil unless using Postgres
	ingest          *ingest.Service
	hub             *realtime.Hub
	health          *health.Registry
	upgradeLimiter  *ratelimit.Limiter
	shutdownTracing func(context.Context) error
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // stops the hub started in Run
	startedAt       time.Time

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

// WithStore injects a session store, bypassing DATABASE_URL and REDIS_URL (for testing)
func WithStore(store sessions.Store) Option {
	return func(s *Server) {
		s.store = store
		s.storeBackend = "injected"
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	s.shutdownTracing = shutdownTracing

	breaker := circuitbreaker.New(storeFailureThreshold, storeCoolDown)
	s.ingest = ingest.NewService(s.store, s.logger).WithBreaker(breaker, s.storeBackend)

	s.hub = realtime.NewHub(s.ingest, realtime.Config{
		MaxClients:     cfg.MaxClients,
		SendQueueSize:  cfg.SendQueueSize,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	}, s.logger)

	s.health = health.NewRegistry(healthCheckTimeout)
	s.health.Register("store", health.PingChecker("store", s.store))
	s.health.Register("hub", func(ctx context.Context) health.Status {
		select {
		case <-s.hub.Done():
			return health.Status{Name: "hub", Healthy: false, Detail: "stopped"}
		default:
			return health.Status{Name: "hub", Healthy: true}
		}
	})

	s.upgradeLimiter = ratelimit.New(ratelimit.Config{
		PerMinute:       cfg.UpgradesPerMinute,
		Burst:           cfg.UpgradeBurst,
		CleanupInterval: time.Minute,
		IdleTTL:         2 * time.Minute,
	}).OnReject(func(string) {
		metrics.UpgradesRejectedTotal.WithLabelValues("rate_limit").Inc()
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

// openStore selects the session store from the configuration: Postgres
// when DATABASE_URL is set, else Redis when REDIS_URL is set, else memory.
func (s *Server) openStore(ctx context.Context) error {
	s.storeBackend = s.cfg.StoreBackend()

	switch s.storeBackend {
	case "postgres":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := s.waitFor(ctx, "database", db.PingContext); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		pg := sessions.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		s.db = db
		s.store = pg
		s.logger.Info("using PostgreSQL session store", "url", maskDSN(s.cfg.DatabaseURL))

	case "redis":
		rs, err := sessions.NewRedisStoreFromURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to open redis: %w", err)
		}
		if err := s.waitFor(ctx, "redis", rs.Ping); err != nil {
			_ = rs.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.store = rs
		s.logger.Info("using Redis session store", "url", maskDSN(s.cfg.RedisURL))

	default:
		s.store = sessions.NewMemoryStore()
		s.logger.Info("using in-memory session store (records are lost on restart)")
	}
	return nil
}

// waitFor pings a store until it answers or the startup policy runs out.
// Credential and missing-database errors fail on the first attempt.
func (s *Server) waitFor(ctx context.Context, name string, ping func(context.Context) error) error {
	return retry.Do(ctx, retry.StartupPolicy(), func(attempt int) error {
		err := ping(ctx)
		if err == nil {
			return nil
		}
		if isConfigError(err) {
			return retry.Permanent(err)
		}
		s.logger.Warn("store not reachable yet", "store", name, "attempt", attempt, "error", err)
		return err
	})
}

// isConfigError reports ping failures that waiting cannot fix.
func isConfigError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 28: invalid authorization; 3D000: database does not exist.
		return pqErr.Code.Class() == "28" || pqErr.Code == "3D000"
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "WRONGPASS") || strings.HasPrefix(msg, "NOAUTH")
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Telemetry channel
	s.router.GET("/ws", s.upgradeLimiter.Middleware(), s.websocketHandler)

	// Operator API
	v1 := s.router.Group("/v1", security.CORSMiddleware(s.cfg.AllowedOrigins))
	v1.GET("/stats", s.statsHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:token", validation.TokenParamMiddleware(), s.sessionHandler)
}

func (s *Server) websocketHandler(c *gin.Context) {
	s.hub.ServeClient(c.Writer, c.Request, c.ClientIP())
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
			logging.L(c.Request.Context()).Warn("health check failed", "check", st.Name, "detail", st.Detail, "latency", st.Latency)
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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

func (s *Server) statsHandler(c *gin.Context) {
	stats := gin.H{
		"hub":           s.hub.Stats(),
		"storeBackend":  s.storeBackend,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	}

	n, err := s.store.Count(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Warn("failed to count sessions", "error", err)
	} else {
		stats["sessions"] = n
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) sessionHandler(c *gin.Context) {
	token := c.Param("token")

	rec, err := s.store.Get(c.Request.Context(), token)
	if errors.Is(err, sessions.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No session recorded for this token",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("session lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up session",
		})
		return
	}

	c.JSON(http.StatusOK, sessionJSON(rec))
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": err.Error(),
		})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	recs, err := s.store.List(c.Request.Context(), cursor, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("session listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list sessions",
		})
		return
	}

	page, next, more := pagination.ComputePage(recs, limit, func(r sessions.Record) (time.Time, string) {
		return r.StartTime, r.Token
	})
	items := make([]gin.H, 0, len(page))
	for i := range page {
		items = append(items, sessionJSON(&page[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":   items,
		"nextCursor": next,
		"hasMore":    more,
	})
}

func sessionJSON(rec *sessions.Record) gin.H {
	return gin.H{
		"token":         rec.Token,
		"startTime":     rec.StartTime.UTC().Format(time.RFC3339Nano),
		"sourceAddress": rec.SourceAddress,
		"userAgent":     rec.UserAgent,
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go s.hub.Run(runCtx)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.storeBackend,
			"max_clients", s.cfg.MaxClients,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if grace := time.Duration(s.cfg.ShutdownGracePeriod) * time.Second; grace > 0 {
		time.Sleep(grace)
	}

	// Closing the hub ends every telemetry connection.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		select {
		case <-s.hub.Done():
			s.logger.Info("realtime hub stopped")
		case <-time.After(hubStopTimeout):
			s.logger.Warn("realtime hub did not stop in time")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop rate limiter cleanup goroutine
	s.upgradeLimiter.Stop()

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("session store close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the telemetry hub.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}
