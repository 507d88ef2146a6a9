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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/channelescrow/internal/auth"
	"github.com/mbd888/channelescrow/internal/circuitbreaker"
	"github.com/mbd888/channelescrow/internal/config"
	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/health"
	"github.com/mbd888/channelescrow/internal/logging"
	"github.com/mbd888/channelescrow/internal/metrics"
	"github.com/mbd888/channelescrow/internal/notify"
	"github.com/mbd888/channelescrow/internal/payments"
	"github.com/mbd888/channelescrow/internal/ratelimit"
	"github.com/mbd888/channelescrow/internal/realtime"
	"github.com/mbd888/channelescrow/internal/security"
	"github.com/mbd888/channelescrow/internal/traces"
	"github.com/mbd888/channelescrow/internal/validation"
)

// Version is reported by the health endpoint and the trace resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	dealService *deals.Service
	authMgr     *auth.Manager
	dispatcher  *notify.Dispatcher
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	rails       []string
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	now         func() time.Time

	// Health state
	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces the deal engine's clock (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	policy := deals.HoldingPolicy{
		Period:    cfg.HoldingPeriod,
		Platforms: make(map[deals.Platform]bool),
	}
	for _, p := range cfg.HoldPlatforms() {
		platform, ok := deals.ParsePlatform(p)
		if !ok {
			return nil, fmt.Errorf("HOLDING_PLATFORMS: unknown platform %q", p)
		}
		policy.Platforms[platform] = true
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		dealStore deals.Store
		keyStore  auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		dealStore = deals.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		dealStore = deals.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	// Identity
	tokens := auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer, 0)
	s.authMgr = auth.NewManager(keyStore, tokens, auth.ParseOperatorIDs(cfg.OperatorIDs))

	// Fee rails
	railRegistry, decoders := s.buildRails()
	s.rails = railRegistry.Names()

	// Notifications: realtime always, chat when configured
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []notify.Sink{notify.NewRealtimeSink(s.realtimeHub)}
	if cfg.ChatWebhookURL != "" {
		breaker := circuitbreaker.New(5, 30*time.Second)
		sinks = append(sinks, notify.NewChatSink(cfg.ChatWebhookURL, cfg.ChatWebhookSecret, breaker))
		s.logger.Info("chat notifications enabled")
	}
	s.dispatcher = notify.NewDispatcher(notify.Config{
		QueueSize: cfg.NotifyQueueSize,
		Workers:   cfg.NotifyWorkers,
	}, s.logger, sinks...)

	// Deal engine
	s.dealService = deals.NewService(dealStore, railRegistry).
		WithNotifier(s.dispatcher).
		WithHoldingPolicy(policy).
		WithCurrency(cfg.FeeCurrency)
	if s.now != nil {
		s.dealService.WithClock(s.now)
	}

	// Health checks
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("notifications", health.Queue("notifications", s.dispatcher.QueueDepth, s.dispatcher.Capacity(), 0.9))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(decoders)

	s.healthy.Store(true)
	return s, nil
}

// buildRails registers a rail per configured processor. The sandbox rail
// settles instantly and is never mounted in production.
func (s *Server) buildRails() (*deals.RailRegistry, []deals.FeeWebhookDecoder) {
	cfg := s.cfg
	breaker := circuitbreaker.New(5, 30*time.Second)
	registry := deals.NewRailRegistry()
	var decoders []deals.FeeWebhookDecoder

	if cfg.CardEnabled() {
		registry.Register(payments.NewCardRail(cfg.StripeSecretKey, breaker))
		s.logger.Info("card fee rail enabled")
	}
	if cfg.CryptoEnabled() {
		client := payments.NewNowPaymentsClient(cfg.NowPaymentsAPIURL, cfg.NowPaymentsAPIKey)
		registry.Register(payments.NewCryptoRail(client, breaker, cfg.IPNCallbackURL(), cfg.CheckoutSuccessURL))
		if cfg.NowPaymentsIPNSecret != "" {
			decoders = append(decoders, payments.NewNowPaymentsWebhook(cfg.NowPaymentsIPNSecret))
		} else {
			s.logger.Warn("NOWPAYMENTS_IPN_SECRET not set, crypto fees cannot be confirmed")
		}
		s.logger.Info("crypto fee rail enabled")
	}
	if !cfg.IsProduction() && (cfg.IsDevelopment() || len(registry.Names()) == 0) {
		registry.Register(payments.SandboxRail{})
		s.logger.Warn("sandbox fee rail enabled (fees settle without charging)")
	}
	return registry, decoders
}

// maskDSN replaces the password in a database URL with "***".
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
			"success": false,
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.AllowedOrigins()
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if party := c.GetString("authPartyID"); party != "" {
			attrs = append(attrs, "party_id", party)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(decoders []deals.FeeWebhookDecoder) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authMgr)
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Public: processor callbacks authenticate by signature
	v1.GET("/auth/info", authHandler.Info)
	deals.NewWebhookHandler(s.dealService, decoders...).RegisterRoutes(v1)

	// Everything else needs a party. The limiter runs after auth so it
	// can key on the party instead of the client IP.
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), s.rateLimiter.Middleware())

	deals.NewHandler(s.dealService).RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)
	protected.GET("/ws", s.websocketHandler)
	protected.GET("/realtime/stats", auth.RequireOperator(), s.realtimeStatsHandler)
}

func (s *Server) websocketHandler(c *gin.Context) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, id.PartyID, id.Operator)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
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

func (s *Server) infoHandler(c *gin.Context) {
	policy := s.dealService.HoldingPolicy()
	platforms := make([]string, 0, len(policy.Platforms))
	for p, on := range policy.Platforms {
		if on {
			platforms = append(platforms, string(p))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    "channelescrow",
		"version": Version,
		"rails":   s.rails,
		"holding": gin.H{
			"period":    policy.Period.String(),
			"platforms": platforms,
		},
		"currency": s.cfg.FeeCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs the background workers until ctx is cancelled,
// then shuts everything down gracefully. In-flight requests finish before
// the notification workers drain and stop.
func (s *Server) Run(ctx context.Context) error {
	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Workers outlive ctx until the HTTP server has drained.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "rails", s.rails)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.realtimeHub.Run(workCtx)
		return nil
	})
	g.Go(func() error {
		return s.dispatcher.Run(workCtx)
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(workCtx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(stopWorkers, shutdownTracing)
	})

	err = g.Wait()
	s.closeDB()
	s.logger.Info("server stopped")
	return err
}

// shutdown stops accepting requests, waits for in-flight ones, then stops
// the background workers.
func (s *Server) shutdown(stopWorkers context.CancelFunc, shutdownTracing func(context.Context) error) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		errs = append(errs, err)
	}

	stopWorkers()
	s.rateLimiter.Stop()

	if err := shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return
	}
	s.logger.Info("database connection closed")
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
