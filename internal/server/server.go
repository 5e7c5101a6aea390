// Package server wires the escrow payment service together: storage,
// domain services, automation, and the HTTP surface.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/custodia-pay/custodia/internal/admin"
	"github.com/custodia-pay/custodia/internal/approval"
	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/automation"
	"github.com/custodia-pay/custodia/internal/chain"
	"github.com/custodia-pay/custodia/internal/config"
	"github.com/custodia-pay/custodia/internal/dispute"
	"github.com/custodia-pay/custodia/internal/escrow"
	"github.com/custodia-pay/custodia/internal/health"
	"github.com/custodia-pay/custodia/internal/idgen"
	"github.com/custodia-pay/custodia/internal/kyc"
	"github.com/custodia-pay/custodia/internal/logging"
	"github.com/custodia-pay/custodia/internal/metrics"
	"github.com/custodia-pay/custodia/internal/multisig"
	"github.com/custodia-pay/custodia/internal/notify"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/rail"
	"github.com/custodia-pay/custodia/internal/ratelimit"
	"github.com/custodia-pay/custodia/internal/realtime"
	"github.com/custodia-pay/custodia/internal/reconciliation"
	"github.com/custodia-pay/custodia/internal/router"
	"github.com/custodia-pay/custodia/internal/security"
	"github.com/custodia-pay/custodia/internal/validation"
	"github.com/custodia-pay/custodia/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and all domain dependencies.
type Server struct {
	cfg *config.Config

	db           *sql.DB // nil when running in-memory
	payments     payment.Store
	events       *payment.EventRecorder
	eventStore   payment.EventStore
	paymentSvc   *payment.Service
	escrowStore  escrow.Store
	escrows      *escrow.Manager
	coordinator  *approval.Coordinator
	multisigSvc  *multisig.Service
	disputes     *dispute.Engine
	kycSvc       *kyc.Service
	railProvider rail.Provider
	chainClient  *chain.Client
	chainSyncer  *chain.Syncer
	notifySvc    *notify.Service
	webhookStore webhooks.Store
	scheduler    *automation.Scheduler
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
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

// WithRail injects a rail provider (for testing).
func WithRail(p rail.Provider) Option {
	return func(s *Server) {
		s.railProvider = p
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set rail provider / logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		disputeStore  dispute.Store
		multisigStore multisig.Store
		kycStore      kyc.Store
		watermarks    chain.WatermarkStore
		webhookStore  webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.payments = payment.NewPostgresStore(db)
		s.eventStore = payment.NewPostgresEventStore(db)
		s.escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		multisigStore = multisig.NewPostgresStore(db)
		kycStore = kyc.NewPostgresStore(db)
		watermarks = chain.NewPostgresWatermarkStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.payments = payment.NewMemoryStore()
		s.eventStore = payment.NewMemoryEventStore()
		s.escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		multisigStore = multisig.NewMemoryStore()
		kycStore = kyc.NewMemoryStore()
		watermarks = chain.NewMemoryWatermarkStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.events = payment.NewEventRecorder(s.eventStore)

	// Realtime hub + notifications
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhookStore = webhookStore
	s.notifySvc = notify.NewService(s.logger,
		notify.NewLogChannel(s.logger),
		notify.NewRealtimeChannel(s.realtimeHub),
		webhooks.NewChannel(webhooks.NewDispatcher(webhookStore, s.logger)),
	)

	// Fiat rail provider
	if s.railProvider == nil {
		if cfg.RailBaseURL != "" {
			s.railProvider = rail.NewClient(cfg.RailBaseURL, cfg.RailAPIKey)
			s.logger.Info("rail provider configured", "baseURL", cfg.RailBaseURL)
		} else {
			s.railProvider = rail.NewMock()
			s.logger.Info("rail provider not configured, using mock")
		}
	}

	// Chain leg (optional: requires signing key and token contract)
	var executor multisig.Executor
	if cfg.PrivateKey != "" && cfg.TokenContract != "" {
		client, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			TokenContract:  cfg.TokenContract,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chainClient = client

		exec, err := chain.NewExecutor(client, cfg.FXRateUSD)
		if err != nil {
			return nil, fmt.Errorf("failed to create chain executor: %w", err)
		}
		executor = exec
		s.logger.Info("chain leg enabled", "signer", client.Address(), "chainId", cfg.ChainID)
	} else {
		// Releases settle on the ledger only; the executor fakes the chain
		// transfer so multi-sig flows remain usable in development.
		executor = devExecutor{logger: s.logger}
		s.logger.Info("chain leg disabled, multisig executions are simulated")
	}

	// Domain services
	s.escrows = escrow.NewManager(s.escrowStore, s.payments, s.events, s.logger)

	s.kycSvc = kyc.NewService(kycStore)

	s.paymentSvc = payment.NewService(s.payments, s.events, s.escrows, payment.Defaults{
		Currency:              cfg.Currency,
		CustodyPercent:        cfg.DefaultCustodyPercent,
		CustodyPeriodDays:     cfg.DefaultCustodyDays,
		CommissionPercent:     cfg.CommissionPercent,
		CommissionBeneficiary: cfg.CommissionBeneficiary,
		FXRateUSD:             cfg.FXRateUSD,
	}).
		WithRail(s.railProvider).
		WithKYC(s.kycSvc).
		WithNotifier(s.notifySvc)

	rt := router.New(router.Config{
		HighValueThresholdUSD:  cfg.HighValueThresholdUSD,
		EnterpriseThresholdUSD: cfg.EnterpriseThresholdUSD,
	})

	s.multisigSvc = multisig.NewService(multisigStore, s.escrows, executor, s.events, s.logger)

	s.coordinator = approval.NewCoordinator(s.payments, s.escrows, rt, s.multisigSvc, s.events, s.logger).
		WithNotifier(s.notifySvc)

	s.disputes = dispute.NewEngine(disputeStore, s.payments, s.escrows, s.coordinator, s.events, s.logger).
		WithRefunder(s.railProvider).
		WithNotifier(s.notifySvc)
	if s.chainClient != nil {
		s.disputes = s.disputes.WithChain(s.chainClient)
	}

	// Chain event sync (needs the escrow mirror contract)
	if s.chainClient != nil && cfg.EscrowContract != "" {
		s.chainSyncer = chain.NewSyncer(
			s.chainClient.Eth(),
			common.HexToAddress(cfg.EscrowContract),
			automation.NewChainApplier(s.escrows, s.logger),
			watermarks,
			"escrow_events",
			s.logger,
		)
	}

	// Automation jobs
	s.scheduler = automation.NewScheduler(s.logger)
	depositJob := automation.NewDepositJob(s.railProvider, s.payments, s.escrows, s.logger)
	custodyJob := automation.NewCustodyJob(s.escrowStore, s.escrows, s.payments, s.coordinator, s.multisigSvc, s.logger)
	payoutJob := automation.NewPayoutJob(s.escrowStore, s.payments, s.railProvider, s.events, s.logger)
	s.scheduler.Register(automation.JobDeposits, cfg.DepositInterval, depositJob.Run)
	s.scheduler.Register(automation.JobCustody, cfg.CustodyInterval, custodyJob.Run)
	s.scheduler.Register(automation.JobPayouts, cfg.PayoutInterval, payoutJob.Run)
	if s.chainSyncer != nil {
		syncJob := automation.NewChainSyncJob(s.chainSyncer)
		s.scheduler.Register(automation.JobChainSync, cfg.ChainSyncInterval, syncJob.Run)
	}
	reconcileJob := automation.NewReconcileJob(
		reconciliation.NewChecker(s.payments, s.escrowStore, s.escrows, s.logger))
	s.scheduler.Register(automation.JobReconcile, cfg.ReconcileInterval, reconcileJob.Run)

	// Auth
	s.authMgr = auth.NewManager(cfg.JWTSecret)

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

	// WebSocket event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	paymentHandler := payment.NewHandler(s.paymentSvc, s.eventStore)
	escrowHandler := escrow.NewHandler(s.escrows, s.payments)
	approvalHandler := approval.NewHandler(s.coordinator)
	disputeHandler := dispute.NewHandler(s.disputes)
	multisigHandler := multisig.NewHandler(s.multisigSvc)
	kycHandler := kyc.NewHandler(s.kycSvc)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore)

	// V1 API group. Auth middleware resolves the actor without rejecting;
	// RequireAuth gates the mutating groups below.
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))

	// PUBLIC ROUTES
	v1.GET("/auth/info", authHandler.Info)
	if s.cfg.IsDevelopment() {
		// Dev convenience: mint tokens without an identity provider.
		v1.POST("/auth/token", authHandler.MintToken)
	} else {
		v1.POST("/auth/token", auth.RequireAdmin(s.cfg.AdminSecret), authHandler.MintToken)
	}

	// PROTECTED ROUTES (require a valid token)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		protected.GET("/auth/me", authHandler.Me)

		// Payment lifecycle
		protected.POST("/payments", paymentHandler.Create)
		protected.GET("/payments", paymentHandler.List)
		protected.GET("/payments/:id", paymentHandler.Get)
		protected.GET("/payments/:id/timeline", paymentHandler.Timeline)
		protected.GET("/payments/:id/escrow", escrowHandler.GetByPayment)
		protected.POST("/payments/:id/accept", paymentHandler.Accept)
		protected.POST("/payments/:id/reject", paymentHandler.Reject)
		protected.POST("/payments/:id/cancel", paymentHandler.Cancel)

		// Dual approval
		protected.POST("/payments/:id/approve", approvalHandler.Approve)

		// Disputes
		protected.POST("/payments/:id/dispute", disputeHandler.Raise)
		protected.GET("/disputes/:id", disputeHandler.Get)
		protected.GET("/disputes/:id/history", disputeHandler.History)

		// Multi-sig signing
		protected.GET("/multisig/requests/:id", multisigHandler.Get)
		protected.POST("/multisig/requests/:id/approve", multisigHandler.Approve)
		protected.POST("/multisig/requests/:id/reject", multisigHandler.Reject)

		// KYC
		protected.POST("/kyc", kycHandler.Register)
		protected.GET("/kyc/me", kycHandler.Me)

		// Webhook subscriptions
		protected.POST("/webhooks", webhookHandler.Create)
		protected.GET("/webhooks", webhookHandler.List)
		protected.DELETE("/webhooks/:id", webhookHandler.Delete)
	}

	// ADMIN ROUTES
	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAuth(), auth.RequireAdmin(s.cfg.AdminSecret))
	{
		adminHandler := admin.NewHandler().
			WithJobs(s.scheduler).
			WithReleases(s.coordinator).
			WithPayments(s.payments)
		adminHandler.RegisterRoutes(adminGroup)

		adminGroup.GET("/admin/disputes", disputeHandler.ListOpen)
		adminGroup.POST("/admin/disputes/:id/resolve", disputeHandler.Resolve)
		adminGroup.POST("/admin/disputes/:id/retry-refund", disputeHandler.RetryRefund)

		adminGroup.POST("/admin/wallets", multisigHandler.CreateWallet)
		adminGroup.GET("/admin/wallets", multisigHandler.ListWallets)

		adminGroup.GET("/admin/kyc/pending", kycHandler.ListPending)
		adminGroup.POST("/admin/kyc/review", kycHandler.Review)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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
		"name":        "Custodia",
		"description": "Escrow payment infrastructure",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background workers
	go s.realtimeHub.Run(runCtx)
	s.scheduler.Start(runCtx)
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, scheduler loops)
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

	// Wait for in-flight automation runs
	s.scheduler.Stop()
	s.logger.Info("automation scheduler stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.chainClient != nil {
		s.chainClient.Close()
		s.logger.Info("chain client closed")
	}

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

// Router returns the gin router for testing.
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

// devExecutor fakes the chain transfer when no signing key is configured.
// Multi-sig requests complete with a synthetic transaction hash.
type devExecutor struct {
	logger *slog.Logger
}

func (d devExecutor) Transfer(ctx context.Context, toAddress string, amount int64, currency string) (string, error) {
	txHash := "0x" + idgen.Hex(32)
	d.logger.Info("simulated chain transfer",
		"to", toAddress, "amount", amount, "currency", currency, "tx", txHash)
	return txHash, nil
}
