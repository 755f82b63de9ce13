// Package server wires the relay together and serves its HTTP API.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/htlcrelay/internal/chain"
	"github.com/mbd888/htlcrelay/internal/config"
	"github.com/mbd888/htlcrelay/internal/dashboard"
	"github.com/mbd888/htlcrelay/internal/events"
	"github.com/mbd888/htlcrelay/internal/health"
	"github.com/mbd888/htlcrelay/internal/indexer"
	"github.com/mbd888/htlcrelay/internal/logging"
	"github.com/mbd888/htlcrelay/internal/metrics"
	"github.com/mbd888/htlcrelay/internal/ratelimit"
	"github.com/mbd888/htlcrelay/internal/realtime"
	"github.com/mbd888/htlcrelay/internal/relay"
	"github.com/mbd888/htlcrelay/internal/security"
	"github.com/mbd888/htlcrelay/internal/status"
	"github.com/mbd888/htlcrelay/internal/traces"
	"github.com/mbd888/htlcrelay/internal/validation"
	"github.com/mbd888/htlcrelay/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Chain is what the server needs from the EVM side. *chain.Client
// satisfies it.
type Chain interface {
	relay.Ledger
	dashboard.StatusSource
	Close() error
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	chain       Chain
	coordinator *relay.Coordinator
	sink        *dashboard.Sink
	realtimeHub *realtime.Hub
	eventStore  events.Store
	history     *status.Service
	indexer     *indexer.Indexer
	indexClient indexer.Client
	health      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server

	console *slog.Logger // process output only
	logger  *slog.Logger // console plus dashboard log

	shutdownTraces func(context.Context) error
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the console logger. The dashboard handler is teed onto it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.console = logger
	}
}

// WithChain injects the chain client (for testing)
func WithChain(c Chain) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithIndexerClient injects the RPC client the indexer reads logs from
func WithIndexerClient(c indexer.Client) Option {
	return func(s *Server) {
		s.indexClient = c
	}
}

// WithEventStore injects the event store instead of opening DATABASE_URL
func WithEventStore(store events.Store) Option {
	return func(s *Server) {
		s.eventStore = store
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers after
// reporting not-ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.console == nil {
		s.console = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	// Tracing (no-op exporter when the endpoint is empty)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.console)
	if err != nil {
		s.console.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	// Chain client
	if s.chain == nil {
		c, err := chain.New(chain.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			HTLCContract: cfg.HTLCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = c
	}

	// Realtime hub and dashboard sink. The sink logs its own problems to the
	// console only so it never feeds itself.
	s.realtimeHub = realtime.NewHub(s.console)

	sinkCfg := dashboard.DefaultConfig()
	sinkCfg.MaxLogs = cfg.DashboardMaxLogs
	sinkCfg.RefreshInterval = cfg.DashboardRefreshInterval
	sinkCfg.RPCURL = redactURL(cfg.RPCURL)
	sinkCfg.MinLogLevel = logging.ParseLevel(cfg.LogLevel)
	sink, err := dashboard.New(sinkCfg,
		dashboard.WithStatusSource(s.chain),
		dashboard.WithPublisher(s.realtimeHub),
		dashboard.WithLogger(s.console),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dashboard: %w", err)
	}
	s.sink = sink
	s.logger = slog.New(logging.Tee(s.console.Handler(), sink.Handler()))

	// Event store (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.eventStore == nil {
		if err := s.openEventStore(ctx); err != nil {
			return nil, err
		}
	}
	s.history = status.NewService(s.eventStore)

	// Settlement coordinator
	coordCfg := relay.DefaultConfig()
	coordCfg.RecentCapacity = cfg.RecentCapacity
	coordCfg.ConfirmationTimeout = cfg.ConfirmationTimeout
	coordCfg.RelayTimeout = cfg.ClaimTimeout()
	s.coordinator, err = relay.New(s.chain, coordCfg,
		relay.WithNotifier(sink),
		relay.WithLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	// Indexer
	if cfg.IndexerEnabled {
		if err := s.setupIndexer(ctx); err != nil {
			s.logger.Warn("indexer disabled", "error", err)
		}
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	s.logger.Info("relay configured",
		"relayer", s.chain.Address(),
		"chainId", cfg.ChainID,
		"htlc", cfg.HTLCContract,
	)
	return s, nil
}

func (s *Server) openEventStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.eventStore = events.NewMemoryStore()
		s.logger.Info("using in-memory event store")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.eventStore = events.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL event store", "url", redactURL(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupIndexer(ctx context.Context) error {
	if s.indexClient == nil {
		ec, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		s.indexClient = ec
	}

	ixCfg := indexer.DefaultConfig()
	ixCfg.Contract = common.HexToAddress(s.cfg.HTLCContract)
	ixCfg.ChainID = s.cfg.ChainID
	ixCfg.StartBlock = s.cfg.IndexerStartBlock
	ixCfg.BatchSize = s.cfg.IndexerBatchSize
	ixCfg.PollInterval = s.cfg.IndexerPollInterval

	ix, err := indexer.New(s.indexClient, s.eventStore, ixCfg, indexer.WithLogger(s.logger))
	if err != nil {
		return err
	}
	s.indexer = ix
	return nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register("rpc", health.Ping("rpc", func(ctx context.Context) error {
		_, err := s.chain.Balance(ctx)
		return err
	}))

	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}

	if s.indexer != nil {
		s.health.Register("indexer", func(context.Context) health.Status {
			st := s.indexer.Status()
			detail := fmt.Sprintf("next block %d, head %d", st.NextBlock, st.Head)
			if st.LastError != "" {
				detail += ": " + st.LastError
			}
			return health.Status{
				Name:    "indexer",
				Healthy: st.Breaker != "open",
				Detail:  detail,
			}
		})
	}
}

// redactURL hides credentials (and RPC API keys in the path) for display
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	if u.RawQuery != "" {
		u.RawQuery = "***"
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// Request logs go to the console only; the dashboard log is for relay
// activity.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		logger := s.console.With("request_id", logging.RequestID(c.Request.Context()))
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// One limiter covers both claim paths.
	var claimMW []gin.HandlerFunc
	if s.cfg.RelayRateLimit > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RelayRateLimit,
			BurstSize:         s.cfg.RelayRateBurst,
		})
		claimMW = append(claimMW, limiter.Middleware())
	}

	relayHandler := relay.NewHandler(s.coordinator)
	s.router.POST("/relay", append(claimMW, relayHandler.Claim)...)

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/", dashboardPageHandler)

	v1 := s.router.Group("/v1")
	relayHandler.RegisterRoutes(v1, claimMW...)
	status.NewHandler(s.history).RegisterRoutes(v1)
	dashboard.NewHandler(s.sink).RegisterRoutes(v1)
	v1.GET("/info", s.infoHandler)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	state, code := "healthy", http.StatusOK
	if !ok {
		state, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    state,
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
	info := gin.H{
		"version":        Version,
		"relayer":        s.chain.Address(),
		"chainId":        s.cfg.ChainID,
		"htlcContract":   s.cfg.HTLCContract,
		"persistent":     s.db != nil,
		"indexerEnabled": s.indexer != nil,
		"realtime":       s.realtimeHub.Stats(),
	}
	if s.indexer != nil {
		info["indexer"] = s.indexer.Status()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background components without serving HTTP.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	s.sink.Start(runCtx)

	if s.indexer != nil {
		if err := s.indexer.Start(runCtx); err != nil {
			s.logger.Error("failed to start indexer", "error", err)
		}
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Claims block until the withdrawal confirms or the claim times out.
		WriteTimeout: s.cfg.ClaimTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "relayer", s.chain.Address())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server. In-flight claims finish before the
// chain client is closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ClaimTimeout()+5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.console.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.indexer != nil {
		s.indexer.Stop()
		s.console.Info("indexer stopped")
	}

	// Stop the sink before the run context so queued events are applied.
	s.sink.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.chain.Close(); err != nil {
		s.console.Error("chain client close error", "error", err)
	}
	if ec, ok := s.indexClient.(*ethclient.Client); ok {
		ec.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.console.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.console.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTraces(ctx); err != nil {
			s.console.Warn("trace flush error", "error", err)
		}
	}

	s.console.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Coordinator exposes the settlement coordinator (for the MCP bridge and tests)
func (s *Server) Coordinator() *relay.Coordinator {
	return s.coordinator
}

// Logger returns the teed logger
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
