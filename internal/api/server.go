package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/auth"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/trader"
)

// TradeLister is implemented by both the in-memory and the Postgres store
type TradeLister interface {
	ListTrades(ctx context.Context, traderID string, limit int) ([]trader.TradeRecord, error)
}

// HealthCheckFunc reports the health of an optional dependency
type HealthCheckFunc func(ctx context.Context) error

// StatsFunc reports runtime statistics of an optional dependency
type StatsFunc func() interface{}

// Deps are the engine components the API exposes
type Deps struct {
	Traders  *trader.Manager
	Risk     *risk.Manager
	Patterns *patterns.Service
	Trades   TradeLister // optional
	Auth     *auth.Service
	Bus      *events.EventBus
	Checks   map[string]HealthCheckFunc // optional, keyed by dependency name
	Stats    map[string]StatsFunc       // optional, reported on /health

	DefaultPrune patterns.PruneCriteria
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	metrics    config.MetricsConfig
	deps       Deps
	hub        *WSHub
	started    time.Time
	logger     zerolog.Logger
}

// NewServer creates a new API server and subscribes its WebSocket hub to
// the event bus
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Origins()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	if allowAll(corsConfig.AllowOrigins) {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		config:  cfg,
		metrics: metricsCfg,
		deps:    deps,
		started: time.Now(),
		logger:  logging.Component(logger, "API"),
	}
	router.Use(s.requestMiddleware())

	s.hub = NewWSHub(cfg.Origins(), s.logger)
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	s.router.POST("/api/auth/login", s.handleLogin)

	// Browsers cannot set headers on WebSocket upgrades, so the token may
	// also arrive as a query parameter
	s.router.GET("/ws/events", s.wsAuth(), s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.deps.Auth))
	{
		traders := api.Group("/traders")
		traders.GET("", s.handleListTraders)
		traders.POST("", s.handleCreateTrader)
		traders.GET("/health", s.handleTraderHealth)
		traders.GET("/:id", s.handleGetTrader)
		traders.PUT("/:id", s.handleUpdateTrader)
		traders.DELETE("/:id", s.handleDeleteTrader)
		traders.POST("/:id/start", s.handleStartTrader)
		traders.POST("/:id/stop", s.handleStopTrader)
		traders.POST("/:id/pause", s.handlePauseTrader)
		traders.POST("/:id/resume", s.handleResumeTrader)
		traders.POST("/:id/recover", s.handleRecoverTrader)
		traders.GET("/:id/trades", s.handleListTrades)

		riskGroup := api.Group("/risk")
		riskGroup.GET("/summary", s.handleRiskSummary)
		riskGroup.GET("/traders/:id", s.handleTraderRisk)
		riskGroup.POST("/emergency-stop", s.handleEmergencyStop)
		riskGroup.POST("/clear-emergency", s.handleClearEmergency)

		api.GET("/strategies", s.handleListStrategies)

		pats := api.Group("/patterns")
		pats.GET("", s.handleListPatterns)
		pats.GET("/top", s.handleTopPatterns)
		pats.GET("/:id", s.handleGetPattern)
		pats.POST("/prune", s.handlePrunePatterns)
	}
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start runs the hub and serves HTTP until Shutdown is called
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.CloseAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func allowAll(origins []string) bool {
	return len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// requestMiddleware tags each request with a trace id, logs it and counts
// it by route template
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, reqLogger := logging.WithTraceContext(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", logging.TraceIDFromContext(ctx))
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		ev := reqLogger.Debug()
		if status >= http.StatusInternalServerError {
			ev = reqLogger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	deps := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			healthy = false
			deps[name] = "unhealthy: " + err.Error()
			continue
		}
		deps[name] = "healthy"
	}

	stats := make(map[string]interface{}, len(s.deps.Stats))
	for name, fn := range s.deps.Stats {
		stats[name] = fn()
	}

	body := gin.H{
		"status":         "healthy",
		"dependencies":   deps,
		"stats":          stats,
		"active_traders": s.deps.Traders.ActiveCount(),
		"ws_clients":     s.hub.GetClientCount(),
		"uptime":         time.Since(s.started).Round(time.Second).String(),
	}
	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "username and password are required")
		return
	}

	resp, err := s.deps.Auth.Login(c.Request.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if err == auth.ErrAuthDisabled {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": true, "kind": "Unauthorized", "message": err.Error()})
		return
	}
	successResponse(c, resp)
}
