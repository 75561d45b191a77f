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
	"github.com/redis/go-redis/v9"

	"github.com/ghidar/ghidar-backend/internal/airdrop"
	"github.com/ghidar/ghidar-backend/internal/aitrader"
	"github.com/ghidar/ghidar-backend/internal/auth"
	"github.com/ghidar/ghidar-backend/internal/config"
	"github.com/ghidar/ghidar-backend/internal/health"
	"github.com/ghidar/ghidar-backend/internal/ledger"
	"github.com/ghidar/ghidar-backend/internal/logging"
	"github.com/ghidar/ghidar-backend/internal/lottery"
	"github.com/ghidar/ghidar-backend/internal/metrics"
	"github.com/ghidar/ghidar-backend/internal/notifications"
	"github.com/ghidar/ghidar-backend/internal/proof"
	"github.com/ghidar/ghidar-backend/internal/ratelimit"
	"github.com/ghidar/ghidar-backend/internal/referral"
	"github.com/ghidar/ghidar-backend/internal/risk"
	"github.com/ghidar/ghidar-backend/internal/security"
	"github.com/ghidar/ghidar-backend/internal/traces"
	"github.com/ghidar/ghidar-backend/internal/validation"
	"github.com/ghidar/ghidar-backend/internal/verification"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ledger        *ledger.Ledger
	notifications *notifications.Service
	verifyEngine  *verification.Engine
	verifyTimer   *verification.Timer
	airdrop       *airdrop.Service
	lottery       *lottery.Service
	lotteryTimer  *lottery.Timer
	trader        *aitrader.Service
	traderFeed    *aitrader.Feed
	traderHub     *aitrader.Hub
	referral      *referral.Service
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB       // nil if using in-memory
	rdb           *redis.Client // nil if using in-memory counters
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage first: every service below picks its store off s.db / s.rdb.
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
		s.healthReg.Register("postgres", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(redisOpts)
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.healthReg.Register("redis", health.RedisChecker(s.rdb))
		s.logger.Info("redis counters enabled")
	}

	if err := s.setupServices(ctx); err != nil {
		return nil, err
	}

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

// setupServices builds the domain services over the selected stores.
func (s *Server) setupServices(ctx context.Context) error {
	// Ledger
	if s.db != nil {
		store := ledger.NewPostgresStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("ledger migration: %w", err)
		}
		s.ledger = ledger.New(store)
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore())
	}
	s.logger.Info("reward ledger enabled")

	// Notifications
	if s.db != nil {
		store := notifications.NewPostgresStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("notifications migration: %w", err)
		}
		s.notifications = notifications.NewService(store)
	} else {
		s.notifications = notifications.NewService(notifications.NewMemoryStore())
	}

	// Wallet verification
	var verifyStore verification.Store
	if s.db != nil {
		store := verification.NewPostgresStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("verification migration: %w", err)
		}
		verifyStore = store
	} else {
		verifyStore = verification.NewMemoryStore()
	}
	classifier := risk.NewClassifier(verifyStore, risk.Thresholds{
		MediumAmount:   s.cfg.MediumRiskAmount,
		HighAmount:     s.cfg.HighRiskAmount,
		VelocityWindow: s.cfg.VelocityWindow,
		MediumAttempts: s.cfg.VelocityMediumCnt,
		HighAttempts:   s.cfg.VelocityHighCnt,
	})
	s.verifyEngine = verification.NewEngine(verifyStore, classifier, s.ledger, verification.Policy{
		MaxRetries:       s.cfg.MaxProofRetries,
		RetryBackoffBase: s.cfg.RetryBackoffBase,
		SignatureTTL:     s.cfg.SignatureTTL,
		AssistedTTL:      s.cfg.AssistedTTL,
		TimeDelayedHold:  s.cfg.TimeDelayedHold,
		MultiSigRequired: s.cfg.MultiSigRequired,
		AssistedNetwork:  proof.Network(s.cfg.AssistedNetwork),
	}).WithNotifier(s.notifications)
	s.verifyTimer = verification.NewTimer(s.verifyEngine, s.cfg.SweepInterval, s.logger)
	s.logger.Info("wallet verification enabled")

	// Airdrop tap mining
	var tapStore airdrop.Store
	if s.rdb != nil {
		tapStore = airdrop.NewRedisStore(s.rdb)
	} else {
		tapStore = airdrop.NewMemoryStore()
	}
	s.airdrop = airdrop.NewService(tapStore, s.ledger, airdrop.Config{
		TapReward:       s.cfg.TapReward,
		EnergyMax:       s.cfg.TapEnergyMax,
		RefillPerSecond: s.cfg.TapRefillPerS,
		DailyCap:        s.cfg.DailyTapCap,
	})
	s.logger.Info("tap mining enabled")

	// Lottery
	var lotteryStore lottery.Store
	if s.db != nil {
		store := lottery.NewPostgresStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("lottery migration: %w", err)
		}
		lotteryStore = store
	} else {
		lotteryStore = lottery.NewMemoryStore()
	}
	lotteryCfg := lottery.DefaultConfig()
	lotteryCfg.TicketPrice = s.cfg.TicketPrice
	s.lottery = lottery.NewService(lotteryStore, s.ledger, lotteryCfg).WithNotifier(s.notifications)
	s.lotteryTimer = lottery.NewTimer(s.lottery, time.Minute, s.logger)
	s.logger.Info("lottery enabled")

	// AI trading simulator
	s.traderHub = aitrader.NewHub(s.logger)
	s.traderFeed = aitrader.NewFeed(nil, 2*time.Second).WithHub(s.traderHub)
	var positionStore aitrader.Store
	if s.db != nil {
		store := aitrader.NewPostgresStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("aitrader migration: %w", err)
		}
		positionStore = store
	} else {
		positionStore = aitrader.NewMemoryStore()
	}
	s.trader = aitrader.NewService(positionStore, s.ledger, s.traderFeed).WithHub(s.traderHub)
	s.logger.Info("trading simulator enabled")

	// Referrals
	var referralStore referral.Store
	if s.db != nil {
		store := referral.NewPostgresStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("referral migration: %w", err)
		}
		referralStore = store
	} else {
		referralStore = referral.NewMemoryStore()
	}
	referralCfg := referral.DefaultConfig()
	referralCfg.ReferrerBonus = s.cfg.ReferralBonus
	s.referral = referral.NewService(referralStore, s.ledger, referralCfg).WithNotifier(s.notifications)
	s.logger.Info("referrals enabled")

	return nil
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
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: the Mini App webview is the only browser client
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
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

	s.router.GET("/api", s.infoHandler)

	// V1 API: everything here requires a Telegram Mini App identity. The
	// rate limiter sits after auth so buckets key on the user, not the NAT.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 4,
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.TelegramMiddleware(s.cfg.TelegramBotToken, s.cfg.InitDataTTL, s.cfg.IsDevelopment()))
	v1.Use(s.rateLimiter.Middleware())
	{
		verification.NewHandler(s.verifyEngine).RegisterRoutes(v1)
		ledger.NewHandler(s.ledger).RegisterRoutes(v1)
		airdrop.NewHandler(s.airdrop).RegisterRoutes(v1)
		lottery.NewHandler(s.lottery).RegisterRoutes(v1)
		aitrader.NewHandler(s.trader, s.traderHub).RegisterRoutes(v1)
		referral.NewHandler(s.referral).RegisterRoutes(v1)
		notifications.NewHandler(s.notifications).RegisterRoutes(v1)
	}

	// Admin API: shared-secret auth, no rate limiting.
	admin := s.router.Group("/admin")
	admin.Use(auth.AdminMiddleware(s.cfg.AdminSecret))
	{
		verification.NewHandler(s.verifyEngine).RegisterAdminRoutes(admin)
		lottery.NewHandler(s.lottery).RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    checks,
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
		"name":        "Ghidar",
		"description": "Telegram Mini App crypto reward platform",
		"version":     "0.1.0",
		"currency":    "USDT",
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

	// Tracing (no-op when no endpoint configured)
	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

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

	// Background loops
	go s.traderHub.Run(runCtx)
	go s.traderFeed.Run(runCtx)
	go s.verifyTimer.Start(runCtx)
	go s.lotteryTimer.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, feed, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.verifyTimer.Stop()
	s.lotteryTimer.Stop()
	s.traderFeed.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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
