// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/satwatch/satwatch/internal/config"
	"github.com/satwatch/satwatch/internal/credits"
	"github.com/satwatch/satwatch/internal/health"
	"github.com/satwatch/satwatch/internal/logging"
	"github.com/satwatch/satwatch/internal/metrics"
	"github.com/satwatch/satwatch/internal/nakapay"
	"github.com/satwatch/satwatch/internal/payments"
	"github.com/satwatch/satwatch/internal/ratelimit"
	"github.com/satwatch/satwatch/internal/security"
	"github.com/satwatch/satwatch/internal/session"
	"github.com/satwatch/satwatch/internal/traces"
	"github.com/satwatch/satwatch/internal/usage"
	"github.com/satwatch/satwatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	sessions      *session.Registry
	ledger        *credits.Ledger
	usageLog      *usage.Log
	gateway       *nakapay.Client
	payments      *payments.Service
	paymentTimer  *payments.Timer
	sessionTimer  *session.Timer
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesStop    func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	testGateway   payments.Gateway   // injected by WithGatewayService in tests

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

// WithGatewayService overrides the payment gateway (for testing)
func WithGatewayService(gw payments.Gateway) Option {
	return func(s *Server) {
		s.testGateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger or test gateway)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var sessionStore session.Store
	var creditStore credits.Store
	var usageStore usage.Store
	var invoiceStore payments.Store

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		sessionPG := session.NewPostgresStore(db)
		if err := sessionPG.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate session store: %w", err)
		}
		sessionStore = sessionPG

		creditPG := credits.NewPostgresStore(db)
		if err := creditPG.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate credit store: %w", err)
		}
		creditStore = creditPG

		usagePG := usage.NewPostgresStore(db)
		if err := usagePG.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate usage store: %w", err)
		}
		usageStore = usagePG

		invoicePG := payments.NewPostgresStore(db)
		if err := invoicePG.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate invoice store: %w", err)
		}
		invoiceStore = invoicePG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		sessionStore = session.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		invoiceStore = payments.NewMemoryStore()
	}

	s.sessions = session.NewRegistry(sessionStore)
	s.ledger = credits.New(creditStore)
	s.usageLog = usage.NewLog(usageStore)

	// Payment gateway client
	s.gateway = nakapay.New(cfg.NakaPayBaseURL, cfg.NakaPayAPIKey, cfg.NakaPayTimeout)
	if s.gateway.Configured() {
		s.logger.Info("payment gateway configured", "base_url", cfg.NakaPayBaseURL)
	} else {
		s.logger.Warn("payment gateway not configured, invoice creation disabled")
	}

	callbackURL := ""
	if cfg.PublicBaseURL != "" {
		if err := security.ValidateEndpointURL(cfg.PublicBaseURL); err != nil && cfg.IsProduction() {
			return nil, fmt.Errorf("PUBLIC_BASE_URL rejected: %w", err)
		}
		callbackURL = cfg.PublicBaseURL + "/v1/payments/webhook"
	}

	var gw payments.Gateway = s.gateway
	if s.testGateway != nil {
		gw = s.testGateway
	}
	s.payments = payments.NewService(invoiceStore, s.ledger, gw,
		cfg.NakaPayWebhookSecret, callbackURL, cfg.InvoiceTTL, s.logger)
	s.paymentTimer = payments.NewTimer(s.payments, cfg.ReconcileInterval, s.logger)

	// Idle session sweep (disabled unless SESSION_IDLE_TTL is set)
	s.sessionTimer = session.NewTimer(s.sessions, cfg.SessionIdleTTL, s.logger)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DatabaseChecker(s.db))
	}
	s.healthReg.Register("payment_gateway", health.GatewayChecker(s.gateway.Configured))

	// Tracing
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesStop = stop

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting. Burst scales with the configured rate so a raised
	// limit does not keep the default ten-request burst ceiling.
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
		if burst := s.cfg.RateLimitRPM / 6; burst > limitCfg.BurstSize {
			limitCfg.BurstSize = burst
		}
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Info("request completed",
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no owner required)
	sessionHandler := session.NewHandler(s.sessions)
	sessionHandler.RegisterRoutes(v1)

	paymentHandler := payments.NewHandler(s.payments)
	paymentHandler.RegisterWebhookRoutes(v1)

	// OWNER ROUTES (require a session token or user ID)
	owned := v1.Group("")
	owned.Use(session.OwnerMiddleware(s.sessions))
	{
		credits.NewHandler(s.ledger).RegisterRoutes(owned)
		usage.NewHandler(s.usageLog).RegisterRoutes(owned)
		paymentHandler.RegisterRoutes(owned)

		// Spend combines the balance deduction with the usage record
		owned.POST("/credits/spend", s.spendHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "satwatch",
		"description": "Prepaid sats credits for uptime monitoring",
		"version":     "0.1.0",
		"currency":    "sats",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the payment reconciler (runs a startup pass immediately,
	// covering webhooks missed while the process was down)
	s.paymentTimer.Start(runCtx)

	// Start idle session sweep
	go s.sessionTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.paymentTimer.Stop()
	s.logger.Info("payment reconciler stopped")

	s.sessionTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
