// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/tradeweave/settlement/internal/audit"
	"github.com/tradeweave/settlement/internal/config"
	"github.com/tradeweave/settlement/internal/dispute"
	"github.com/tradeweave/settlement/internal/escrow"
	"github.com/tradeweave/settlement/internal/health"
	"github.com/tradeweave/settlement/internal/idgen"
	"github.com/tradeweave/settlement/internal/logging"
	"github.com/tradeweave/settlement/internal/metrics"
	"github.com/tradeweave/settlement/internal/order"
	"github.com/tradeweave/settlement/internal/outbox"
	"github.com/tradeweave/settlement/internal/payments"
	"github.com/tradeweave/settlement/internal/reconciliation"
	"github.com/tradeweave/settlement/internal/settlement"
	"github.com/tradeweave/settlement/internal/traces"
	"github.com/tradeweave/settlement/internal/validation"
)

// Server wires stores, services, background workers, and HTTP routes.
type Server struct {
	cfg *config.Config

	orders   *order.Service
	escrows  *escrow.Service
	disputes *dispute.Service

	auditLedger audit.Ledger
	outboxStore outbox.Store
	subs        outbox.SubscriptionStore
	events      *outbox.Publisher

	sweeper   *settlement.Sweeper
	drainer   *outbox.Drainer
	processor *payments.Processor
	recon     *reconciliation.Checker
	checks    *health.Registry

	db *sql.DB // nil if using in-memory stores

	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	gateway payments.Gateway

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (used in tests).
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a server with all services wired up. When cfg.DatabaseURL
// is set, stores are backed by PostgreSQL; otherwise everything lives
// in memory and vanishes on restart.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	var (
		orderStore   order.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to database", "dsn", maskDSN(cfg.DatabaseURL))

		s.auditLedger = audit.NewPostgresLedger(db)
		s.outboxStore = outbox.NewPostgresStore(db)
		s.subs = outbox.NewPostgresSubscriptionStore(db)
		orderStore = order.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.auditLedger = audit.NewMemoryLedger()
		s.outboxStore = outbox.NewMemoryStore()
		s.subs = outbox.NewMemorySubscriptionStore()
		orderStore = order.NewMemoryStore(s.auditLedger)
		escrowStore = escrow.NewMemoryStore(s.auditLedger)
		disputeStore = dispute.NewMemoryStore(s.auditLedger)
	}

	s.events = outbox.NewPublisher(s.outboxStore, s.logger)

	// The escrow ledger resolves order facts through an adapter whose
	// target is set below, after the order service exists. Orders and
	// escrows reference each other only through these small surfaces.
	directory := &orderDirectoryAdapter{}
	s.escrows = escrow.NewService(escrowStore, directory, s.auditLedger, s.events, s.logger)

	s.orders = order.NewService(orderStore, &escrowLedgerAdapter{s.escrows}, s.auditLedger, s.events,
		cfg.GracePeriod, cfg.TaxRateBPS, cfg.CommissionRateBPS, s.logger)
	directory.orders = s.orders

	s.disputes = dispute.NewService(disputeStore,
		&orderControlAdapter{s.orders},
		&escrowControlAdapter{s.escrows},
		s.events, cfg.ReturnWindow, s.logger)

	s.recon = reconciliation.NewChecker(escrowStore)

	if s.gateway == nil {
		if cfg.StripeAPIKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
			s.logger.Info("refund gateway enabled", "provider", "stripe")
		} else {
			s.gateway = &payments.StaticGateway{}
			s.logger.Info("refund gateway enabled (static, no external calls)")
		}
	}

	s.sweeper = settlement.NewSweeper(s.escrows, cfg.SweepInterval, cfg.ItemTimeout, s.logger)
	s.drainer = outbox.NewDrainer(s.outboxStore, s.subs, cfg.OutboxDrainInterval, s.logger)
	s.processor = payments.NewProcessor(s.escrows, s.gateway, cfg.OutboxDrainInterval, s.logger)

	s.setupHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()

	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(pingCtx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	s.checks.Register("settlement_sweeper", health.Worker("settlement_sweeper", s.sweeper.Running))
	s.checks.Register("outbox_drainer", health.Worker("outbox_drainer", s.drainer.Running))
	s.checks.Register("refund_processor", health.Worker("refund_processor", s.processor.Running))
}

// maskDSN hides the password in a connection string for logging.
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID + actor attribution
	s.router.Use(s.requestContextMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

// requestContextMiddleware threads the request ID, client IP, and the
// calling actor into the request context so every audit entry written
// downstream carries attribution.
func (s *Server) requestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = audit.WithIP(ctx, c.ClientIP())

		// Actor identity comes from the API gateway upstream. Until
		// then callers self-identify; audit entries record the claim.
		if actorID := c.GetHeader("X-Actor-Id"); actorID != "" {
			actorType := c.GetHeader("X-Actor-Type")
			if actorType == "" {
				actorType = "user"
			}
			ctx = audit.WithActor(ctx, actorType, actorID)
			ctx = logging.WithActorID(ctx, actorID)
		}

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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware guards mutation endpoints that bypass the normal
// lifecycle (manual release, dispute resolution, reconciliation).
// In development with no secret configured, the check is skipped.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" && s.cfg.IsDevelopment() {
			ctx := audit.WithActor(c.Request.Context(), "admin", "dev")
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}

		actorID := c.GetHeader("X-Actor-Id")
		if actorID == "" {
			actorID = "admin"
		}
		ctx := audit.WithActor(c.Request.Context(), "admin", actorID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
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

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	orderHandler := order.NewHandler(s.orders)
	orderHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrows)
	escrowHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)

	paymentsHandler := payments.NewHandler(s.orders, s.escrows)
	paymentsHandler.RegisterRoutes(v1)

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		escrowHandler.RegisterAdminRoutes(admin)
		disputeHandler.RegisterAdminRoutes(admin)

		admin.GET("/audit", s.auditQueryHandler)
		admin.GET("/reconciliation", s.reconciliationHandler)
		admin.POST("/settlement/sweep", s.manualSweepHandler)

		admin.POST("/webhooks", s.createSubscriptionHandler)
		admin.GET("/webhooks", s.listSubscriptionsHandler)
		admin.DELETE("/webhooks/:webhookId", s.deleteSubscriptionHandler)
	}
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		s.logger.Warn("health check degraded", "failing", health.Degraded(statuses))
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
		"name":        "TradeWeave Settlement",
		"description": "Escrow settlement and order lifecycle engine",
		"version":     "0.1.0",
		"currency":    "INR (minor units)",
	})
}

// auditQueryHandler handles GET /v1/admin/audit
func (s *Server) auditQueryHandler(c *gin.Context) {
	filter := audit.Filter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		ActorID:    c.Query("actorId"),
		Action:     c.Query("action"),
		Limit:      100,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter",
				"message": "from must be RFC3339",
			})
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter",
				"message": "to must be RFC3339",
			})
			return
		}
		filter.To = t
	}

	entries, err := s.auditLedger.Query(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to query audit ledger",
		})
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// reconciliationHandler handles GET /v1/admin/reconciliation
func (s *Server) reconciliationHandler(c *gin.Context) {
	report, err := s.recon.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Failed to run reconciliation",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// manualSweepHandler handles POST /v1/admin/settlement/sweep
func (s *Server) manualSweepHandler(c *gin.Context) {
	s.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

// createSubscriptionHandler handles POST /v1/admin/webhooks
func (s *Server) createSubscriptionHandler(c *gin.Context) {
	var req struct {
		URL    string             `json:"url" binding:"required"`
		Secret string             `json:"secret"`
		Events []outbox.EventType `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "url must be a valid http(s) URL",
		})
		return
	}

	sub := &outbox.Subscription{
		ID:        idgen.WithPrefix("sub_"),
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := s.subs.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("failed to create subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// listSubscriptionsHandler handles GET /v1/admin/webhooks
func (s *Server) listSubscriptionsHandler(c *gin.Context) {
	subs, err := s.subs.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*outbox.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// deleteSubscriptionHandler handles DELETE /v1/admin/webhooks/:webhookId
func (s *Server) deleteSubscriptionHandler(c *gin.Context) {
	if err := s.subs.Delete(c.Request.Context(), c.Param("webhookId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
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

	go s.sweeper.Start(runCtx)
	go s.drainer.Start(runCtx)
	go s.processor.Start(runCtx)

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.logger.Info("settlement sweeper stopped")

	s.drainer.Stop()
	s.logger.Info("outbox drainer stopped")

	s.processor.Stop()
	s.logger.Info("refund processor stopped")

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
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
