// Package server wires the escrow coordinator, custody ledger, asset ledger
// client, and realtime hub into an HTTP service.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/tradelock/escrowd/internal/assetledger"
	"github.com/tradelock/escrowd/internal/config"
	"github.com/tradelock/escrowd/internal/escrow"
	"github.com/tradelock/escrowd/internal/health"
	"github.com/tradelock/escrowd/internal/idgen"
	"github.com/tradelock/escrowd/internal/ledger"
	"github.com/tradelock/escrowd/internal/logging"
	"github.com/tradelock/escrowd/internal/metrics"
	"github.com/tradelock/escrowd/internal/ratelimit"
	"github.com/tradelock/escrowd/internal/realtime"
	"github.com/tradelock/escrowd/internal/security"
	"github.com/tradelock/escrowd/internal/traces"
	"github.com/tradelock/escrowd/internal/validation"
)

// Server is the escrowd HTTP service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server

	db          *sql.DB // nil when running on in-memory stores
	custodian   *ledger.Custodian
	coordinator *escrow.Coordinator
	scanner     *escrow.Scanner
	assets      *assetledger.Client
	hub         *realtime.Hub
	limiter     *ratelimit.Limiter
	checks      *health.Registry

	assetOverride escrow.AssetLedger

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

// WithAssetLedger overrides the asset ledger backend. Used by tests to
// avoid real HTTP calls.
func WithAssetLedger(al escrow.AssetLedger) Option {
	return func(s *Server) {
		s.assetOverride = al
	}
}

// New creates a new server with all dependencies wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

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

	// The asset ledger URL is fetched server-side; in production it must not
	// point into our own network.
	if cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.AssetLedgerURL); err != nil {
			return nil, fmt.Errorf("asset ledger URL rejected: %w", err)
		}
	}

	var (
		ledgerStore ledger.Store
		escrowStore escrow.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		ls := ledger.NewPostgresStore(db)
		if err := ls.Migrate(ctx); err != nil {
			s.logger.Warn("ledger migration failed, assuming schema managed externally", "error", err)
		}
		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("escrow migration failed, assuming schema managed externally", "error", err)
		}

		s.db = db
		ledgerStore = ls
		escrowStore = es
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
	}

	s.custodian = ledger.New(ledgerStore, cfg.EscrowAccount, cfg.FeeAccount)
	s.assets = assetledger.New(cfg.AssetLedgerURL, cfg.AssetLedgerTimeout, s.logger)
	s.hub = realtime.NewHub(s.logger)

	var assetBackend escrow.AssetLedger = &assetLedgerAdapter{client: s.assets}
	if s.assetOverride != nil {
		assetBackend = s.assetOverride
	}

	s.coordinator = escrow.NewCoordinator(escrowStore, s.custodian, assetBackend, cfg.EscrowAccount, s.logger).
		WithFee(cfg.EscrowFee).
		WithSettleWindow(cfg.SettleWindow).
		WithEventSink(s.hub)
	s.scanner = escrow.NewScanner(s.coordinator, cfg.ScanInterval, s.logger)
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())

	s.checks = health.NewRegistry()
	s.checks.Register("database", s.databaseChecker())
	s.checks.Register("scanner", func(_ context.Context) health.Status {
		return health.Status{Name: "scanner", Healthy: s.scanner.Running()}
	})

	s.healthy.Store(true)
	s.setupRouter()

	return s, nil
}

// databaseChecker reports store health. With in-memory stores there is
// nothing to probe.
func (s *Server) databaseChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	}
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

func (s *Server) setupRouter() {
	router := gin.New()

	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"panic", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
		})
	}))

	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware(s.corsOrigins()))
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	router.Use(s.limiter.Middleware())
	router.Use(metrics.Middleware())
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())

	// Health and observability
	router.GET("/health", s.healthHandler)
	router.GET("/health/live", s.livenessHandler)
	router.GET("/health/ready", s.readinessHandler)
	router.GET("/metrics", metrics.Handler())

	// Realtime event feed
	router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	v1 := router.Group("/v1")
	v1.Use(validation.AccountParamMiddleware())

	// Custody accounts
	ledger.NewHandler(s.custodian).RegisterRoutes(v1)

	// Escrow coordination
	escrowHandler := escrow.NewHandler(s.coordinator)
	escrowHandler.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(escrow.CallerMiddleware())
	escrowHandler.RegisterProtectedRoutes(protected)

	// Asset ledger balance proxy
	v1.GET("/ledgers/:ref/accounts/:account", s.assetBalanceHandler)

	s.router = router
}

// corsOrigins returns allowed CORS origins for the environment.
func (s *Server) corsOrigins() []string {
	if s.cfg.IsDevelopment() {
		return []string{"*"}
	}
	return nil // Same-origin only unless explicitly configured
}

// requestIDMiddleware attaches a request ID and request-scoped logger to the
// request context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// loggingMiddleware logs each request at a level keyed to the response status.
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
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"subsystems": statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// assetBalanceHandler handles GET /v1/ledgers/:ref/accounts/:account
// by querying the external asset ledger.
func (s *Server) assetBalanceHandler(c *gin.Context) {
	ref := c.Param("ref")
	account := validation.SanitizeAddress(c.Param("account"))

	balance, err := s.assets.QueryBalance(c.Request.Context(), ref, account)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, assetledger.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":   "asset_ledger_unavailable",
			"message": "could not query the asset ledger",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ledgerRef": ref,
		"accountId": account,
		"balance":   balance,
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.hub.Run(runCtx)
	go s.scanner.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Give the listener a moment to bind before reporting ready.
	time.Sleep(100 * time.Millisecond)
	s.ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.Shutdown()
		return err
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("run context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")
	s.ready.Store(false)

	// Let load balancers notice the failing readiness probe before we stop
	// accepting connections.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}

	s.scanner.Stop()
	s.limiter.Stop()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(shutdownCtx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// assetLedgerAdapter maps the coordinator's asset ledger interface onto the
// HTTP client.
type assetLedgerAdapter struct {
	client *assetledger.Client
}

func (a *assetLedgerAdapter) RequestTransfer(ctx context.Context, t escrow.AssetTransfer, done func(escrow.AssetResult)) {
	req := assetledger.TransferRequest{
		LedgerRef: t.LedgerRef,
		Amount:    t.Amount,
		Quantity:  t.Quantity,
		From:      t.From,
		To:        t.To,
	}

	var forward func(assetledger.Result)
	if done != nil {
		forward = func(r assetledger.Result) {
			done(escrow.AssetResult{
				OK:               r.OK,
				ReservedQuantity: r.ReservedQuantity,
				Err:              r.Err,
			})
		}
	}

	a.client.RequestTransfer(ctx, req, forward)
}
