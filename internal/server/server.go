// Package server wires the escrow ledger into an HTTP server
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/audit"
	"github.com/mbd888/mpescrow/internal/auth"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/clock"
	"github.com/mbd888/mpescrow/internal/config"
	"github.com/mbd888/mpescrow/internal/custody"
	"github.com/mbd888/mpescrow/internal/escrow"
	"github.com/mbd888/mpescrow/internal/health"
	"github.com/mbd888/mpescrow/internal/idempotency"
	"github.com/mbd888/mpescrow/internal/logging"
	"github.com/mbd888/mpescrow/internal/metrics"
	"github.com/mbd888/mpescrow/internal/ratelimit"
	"github.com/mbd888/mpescrow/internal/realtime"
	"github.com/mbd888/mpescrow/internal/security"
	"github.com/mbd888/mpescrow/internal/store"
	"github.com/mbd888/mpescrow/internal/traces"
	"github.com/mbd888/mpescrow/internal/validation"
	"github.com/mbd888/mpescrow/internal/webhooks"
	"github.com/redis/go-redis/v9"
)

const (
	healthTimeout   = 3 * time.Second
	dbStatsInterval = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	store        store.Store
	custody      custody.Adapter
	clock        clock.Clock
	service      *escrow.Service
	auditTimer   *audit.Timer
	realtimeHub  *realtime.Hub
	webhooks     *webhooks.Dispatcher // nil without WEBHOOK_URLS
	health       *health.Registry
	verifier     *auth.Verifier
	rateLimiter  *ratelimit.Limiter
	redis        *redis.Client // nil disables Idempotency-Key handling
	db           *sql.DB       // nil if using in-memory
	eth          *ethclient.Client
	shutdownOTel func(context.Context) error
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported to tracing.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore replaces the configured ledger store (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithCustody replaces the configured custody adapter (for testing)
func WithCustody(a custody.Adapter) Option {
	return func(s *Server) {
		s.custody = a
	}
}

// WithClock replaces the configured time source (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/custody/clock/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownOTel = shutdownOTel

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	if err := s.initCustody(ctx); err != nil {
		return nil, err
	}
	if err := s.initClock(); err != nil {
		return nil, err
	}

	domain, err := channels.NewDomain(common.HexToAddress(s.custody.Address()), cfg.ChannelDomainSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to build channel domain: %w", err)
	}
	if cfg.ChannelDomainSalt == "" && s.db != nil {
		s.logger.Warn("CHANNEL_DOMAIN_SALT not set; channel ids will use a fresh salt on every start")
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	var sink escrow.EventSink = s.realtimeHub
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhooks.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhooks.Endpoint{URL: u, Secret: cfg.WebhookSecret})
		}
		s.webhooks = webhooks.NewDispatcher(endpoints, s.logger)
		sink = fanout{s.realtimeHub, s.webhooks}
	}

	policy := audit.Strict
	if cfg.AuditAllowSurplus {
		policy = audit.AllowSurplus
	}
	s.service = escrow.NewService(s.store, s.custody, domain, s.clock,
		escrow.WithEvents(sink),
		escrow.WithAuditEveryOp(cfg.AuditEveryOp),
		escrow.WithAuditOptions(audit.WithPolicy(policy)),
		escrow.WithLogger(s.logger),
	)
	if cfg.AuditInterval > 0 {
		s.auditTimer = audit.NewTimer(s.service, cfg.AuditInterval, s.logger)
	}
	s.logger.Info("escrow ledger ready",
		"custody", s.custody.Address(),
		"custody_mode", cfg.CustodyMode,
		"clock", cfg.ClockSource,
		"audit_every_op", cfg.AuditEveryOp,
		"audit_allow_surplus", cfg.AuditAllowSurplus,
	)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable at startup", "error", err)
		}
		s.logger.Info("idempotency keys enabled", "ttl", cfg.IdempotencyTTL)
	}

	s.health = health.NewRegistry()
	s.health.Register("server", health.FlagCheck(s.ready.Load, "not ready"))
	s.health.Register("store", health.PingCheck(s.store))
	s.health.Register("custody", health.CustodyCheck(s.custody))
	s.health.Register("ledger", health.HaltCheck(s.service.Halted))
	if s.redis != nil {
		s.health.Register("redis", health.PingCheck(redisPinger{s.redis}))
	}

	s.verifier = auth.NewVerifier(cfg.AuthMaxSkew)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = store.NewMemoryStore()
		s.logger.Warn("using in-memory storage; ledger state is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := store.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.store = pg
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initCustody(ctx context.Context) error {
	if s.custody != nil {
		return nil
	}
	switch s.cfg.CustodyMode {
	case config.CustodyERC20:
		adapter, err := custody.NewERC20(custody.ERC20Config{
			RPCURL:        s.cfg.RPCURL,
			PrivateKey:    s.cfg.PrivateKey,
			ChainID:       s.cfg.ChainID,
			TokenContract: s.cfg.TokenContract,
		})
		if err != nil {
			return fmt.Errorf("failed to create custody adapter: %w", err)
		}
		s.custody = adapter
		s.logger.Info("using on-chain custody",
			"address", adapter.Address(),
			"chain_id", s.cfg.ChainID,
			"token", s.cfg.TokenContract,
		)
	default:
		token := custody.NewToken()
		adapter := custody.NewMemoryAdapter(token, s.cfg.CustodyAddress)
		if len(s.cfg.DevFundAccounts) > 0 {
			amt, err := amount.ParsePositive(s.cfg.DevFundAmount)
			if err != nil {
				return fmt.Errorf("invalid DEV_FUND_AMOUNT: %w", err)
			}
			for _, acct := range s.cfg.DevFundAccounts {
				if err := token.Mint(acct, amt); err != nil {
					return fmt.Errorf("failed to fund %s: %w", acct, err)
				}
				token.Approve(acct, adapter.Address(), amt)
			}
			s.logger.Info("funded development accounts",
				"accounts", len(s.cfg.DevFundAccounts),
				"amount", s.cfg.DevFundAmount,
			)
		}
		s.custody = adapter
		s.logger.Warn("using in-memory custody token; not for real funds", "address", adapter.Address())
	}
	if s.db != nil {
		bal, err := s.custody.CustodyBalance(ctx)
		if err == nil && bal.IsZero() {
			s.logger.Warn("custody balance is zero with persistent storage; the first audit will halt if the ledger holds funds")
		}
	}
	return nil
}

func (s *Server) initClock() error {
	if s.clock != nil {
		return nil
	}
	if s.cfg.ClockSource != config.ClockBlock {
		s.clock = clock.System{}
		return nil
	}
	client, err := ethclient.Dial(s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC for block clock: %w", err)
	}
	s.eth = client
	s.clock = clock.NewBlock(client)
	s.logger.Info("using chain head timestamps as ledger time")
	return nil
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// fanout sends every event to each sink in order.
type fanout []escrow.EventSink

func (f fanout) Broadcast(ev *realtime.Event) {
	for _, sink := range f {
		sink.Broadcast(ev)
	}
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "internal error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 1),
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID assigned upstream (load balancer, gateway)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
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

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router, healthTimeout)
	s.router.GET("/metrics", metrics.Handler())

	// Committed ledger events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	handler := escrow.NewHandler(s.service)

	v1 := s.router.Group("/v1")
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireSignature(s.verifier))
	if s.redis != nil {
		protected.Use(idempotency.Middleware(s.redis, s.cfg.IdempotencyTTL, s.logger))
	}
	handler.RegisterProtectedRoutes(protected)
}

func (s *Server) infoHandler(c *gin.Context) {
	halted, reason := s.service.Halted()
	c.JSON(http.StatusOK, gin.H{
		"name":        "mpescrow",
		"version":     s.version,
		"custody":     s.custody.Address(),
		"custodyMode": s.cfg.CustodyMode,
		"clock":       s.cfg.ClockSource,
		"halted":      halted,
		"haltReason":  reason,
		"realtime":    s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"custody", s.custody.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	if s.webhooks != nil {
		go s.webhooks.Run(runCtx)
	}
	go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)

	if s.auditTimer != nil {
		go s.auditTimer.Start(runCtx)
	}

	// An audit before accepting traffic catches a ledger that restarted
	// against a drained or swapped custody account.
	go func() {
		if _, err := s.service.Audit(runCtx); err != nil {
			s.logger.Error("startup audit failed", "error", err)
		}
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Give load balancers time to see /health/ready fail
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight requests are done; stop the hub, timers and collectors.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.auditTimer != nil {
		s.auditTimer.Stop()
		s.logger.Info("audit timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if closer, ok := s.custody.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("custody close error", "error", err)
		}
	}
	if s.eth != nil {
		s.eth.Close()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

	if err := s.shutdownOTel(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service exposes the ledger service (for testing and embedding).
func (s *Server) Service() *escrow.Service {
	return s.service
}
