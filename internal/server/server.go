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

	"github.com/adomako/akatua/internal/auth"
	"github.com/adomako/akatua/internal/cache"
	"github.com/adomako/akatua/internal/checkout"
	"github.com/adomako/akatua/internal/config"
	"github.com/adomako/akatua/internal/dispute"
	"github.com/adomako/akatua/internal/escrow"
	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/health"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/notify"
	"github.com/adomako/akatua/internal/orders"
	"github.com/adomako/akatua/internal/ratelimit"
	"github.com/adomako/akatua/internal/realtime"
	"github.com/adomako/akatua/internal/security"
	"github.com/adomako/akatua/internal/traces"
	"github.com/adomako/akatua/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          ledger.Store
	authMgr        *auth.Manager
	gateway        gateway.Client
	payouts        escrow.PayoutDirectory
	registerPayout func(ctx context.Context, storeID, recipient string) error

	checkoutSvc *checkout.Service
	escrowSvc   *escrow.Service
	disputeSvc  *dispute.Service
	ordersSvc   *orders.Service
	scheduler   *escrow.Scheduler
	dispatcher  *notify.Dispatcher
	invalidator *cache.Invalidator
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// WithGateway sets a custom payment gateway client (for testing)
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.store = ledger.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		payoutDir := escrow.NewPostgresDirectory(db)
		s.payouts = payoutDir
		s.registerPayout = payoutDir.Put
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	} else {
		s.store = ledger.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		payoutDir := escrow.NewMemoryDirectory()
		s.payouts = payoutDir
		s.registerPayout = func(_ context.Context, storeID, recipient string) error {
			payoutDir.Put(storeID, recipient)
			return nil
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Static admin credential for bootstrapping key issuance
	if cfg.AdminSecret != "" {
		s.authMgr.SetBootstrapSecret(cfg.AdminSecret)
	}

	// Payment gateway client
	if s.gateway == nil {
		switch cfg.GatewayProvider {
		case "stripe":
			s.gateway = gateway.NewStripeClient(cfg.GatewaySecretKey, cfg.Currency, cfg.GatewaySuccessURL)
		default:
			if !cfg.IsDevelopment() {
				if err := security.ValidateEndpointURL(cfg.GatewayBaseURL); err != nil {
					return nil, fmt.Errorf("gateway base URL rejected: %w", err)
				}
			}
			s.gateway = gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout)
		}
	}

	// Shared side-effect plumbing. The invalidator must clear the same
	// cache the order reads go through, or reads serve stale state for
	// the full TTL after a mutation.
	orderCache := cache.NewMemoryCache()
	s.invalidator = cache.NewInvalidator(orderCache)
	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(&notify.LogSender{Logger: s.logger}, s.logger, 0)

	// Domain services
	s.checkoutSvc = checkout.NewService(s.store, s.gateway, checkout.Config{
		Currency:      cfg.Currency,
		HoldingPeriod: cfg.HoldingPeriod,
	}, s.dispatcher, s.invalidator, s.hub, s.logger)

	s.escrowSvc = escrow.NewService(s.store, s.gateway, s.payouts,
		s.dispatcher, s.invalidator, s.hub, s.logger)
	s.scheduler = escrow.NewScheduler(s.escrowSvc, s.store, cfg.SweepInterval, s.logger)

	s.disputeSvc = dispute.NewService(s.store, s.gateway,
		s.dispatcher, s.invalidator, s.hub, s.logger)

	s.ordersSvc = orders.NewService(s.store, orderCache,
		s.dispatcher, s.invalidator, s.hub, s.logger)

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

	// CORS (allow all origins in development, restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket ops feed (order/payment/escrow lifecycle events)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	checkoutHandler := checkout.NewHandler(s.checkoutSvc, s.cfg.WebhookSecret)
	escrowHandler := escrow.NewHandler(s.escrowSvc)
	disputeHandler := dispute.NewHandler(s.disputeSvc)
	ordersHandler := orders.NewHandler(s.ordersSvc)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no API key)
	v1.GET("/auth/info", authHandler.Info)
	ordersHandler.RegisterPublicRoutes(v1)

	// The gateway webhook authenticates by HMAC signature, not API key
	checkoutHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		checkoutHandler.RegisterProtectedRoutes(protected)
		ordersHandler.RegisterProtectedRoutes(protected)
		escrowHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.WhoAmI)
	}

	// SELLER ROUTES (catalog management)
	seller := v1.Group("")
	seller.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), auth.RequireRole(auth.RoleSeller))
	ordersHandler.RegisterSellerRoutes(seller)

	// ADMIN ROUTES (arbitration and operations)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), auth.RequireRole(auth.RoleAdmin))
	{
		disputeHandler.RegisterAdminRoutes(admin)
		checkoutHandler.RegisterAdminRoutes(admin)
		admin.POST("/auth/keys", authHandler.IssueKey)
		admin.POST("/payout-accounts", s.registerPayoutHandler)
		admin.POST("/escrow/sweep", s.sweepHandler)
	}
}

type payoutAccountRequest struct {
	StoreID       string `json:"storeId" binding:"required"`
	RecipientCode string `json:"recipientCode" binding:"required"`
}

// registerPayoutHandler handles POST /v1/admin/payout-accounts. Escrow
// releases park FAILED until the seller's store has a recipient here.
func (s *Server) registerPayoutHandler(c *gin.Context) {
	var req payoutAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if errs := validation.Validate(validation.ValidID("storeId", req.StoreID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	if err := s.registerPayout(c.Request.Context(), req.StoreID, req.RecipientCode); err != nil {
		logging.L(c.Request.Context()).Error("failed to register payout account",
			"store_id", req.StoreID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register payout account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"storeId":       req.StoreID,
		"recipientCode": req.RecipientCode,
	})
}

// sweepHandler handles POST /v1/admin/escrow/sweep. It runs the
// release scheduler once, for operators clearing a backlog.
func (s *Server) sweepHandler(c *gin.Context) {
	s.scheduler.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Akatua",
		"description": "Order, payment and escrow reconciliation for marketplace checkouts",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"currency", s.cfg.Currency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start notification dispatcher
	s.dispatcher.Start()

	// Start escrow release scheduler
	go s.scheduler.Start(runCtx)

	// Start DB pool stats collector
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, scheduler)
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

	// Stop escrow release scheduler
	s.scheduler.Stop()
	s.logger.Info("release scheduler stopped")

	// Stop notification dispatcher (drains the queue)
	s.dispatcher.Stop()
	s.logger.Info("notification dispatcher stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// AuthManager returns the auth manager for bootstrap tooling and tests
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// Store returns the ledger store for tests
func (s *Server) Store() ledger.Store {
	return s.store
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
