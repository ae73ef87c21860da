// Package api provides the optional HTTP status server: health, pass status,
// on-demand passes, log access, Prometheus metrics and a WebSocket stream of
// pass events and log lines.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hdshock/mangafixer/internal/activitylog"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/logger"
	"github.com/hdshock/mangafixer/internal/metrics"
	"github.com/hdshock/mangafixer/internal/services"
)

// PassStatus is the read side of the scanner the server reports on.
type PassStatus interface {
	Root() string
	IsRunning() bool
	Progress() *services.PassProgress
	LastResult() *services.PassResult
}

// PassTrigger runs one pass. It is called on its own goroutine.
type PassTrigger func(ctx context.Context) error

// TestNotifier sends a test message to the configured notification services.
type TestNotifier interface {
	Enabled() bool
	SendTestNotification() error
}

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	eventBus   eventbus.Publisher
	scanner    PassStatus
	trigger    PassTrigger
	notifier   TestNotifier
	activity   *activitylog.Log
	metrics    *metrics.MetricsService
	hub        *WebSocketHub
	startTime  time.Time
	baseCtx    context.Context

	nextMu   sync.RWMutex
	nextPass time.Time
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	EventBus eventbus.Publisher
	Scanner  PassStatus
	Trigger  PassTrigger             // optional: enables POST /api/pass
	Notifier TestNotifier            // optional: enables POST /api/notifications/test
	Metrics  *metrics.MetricsService // optional: enables /metrics
	Activity *activitylog.Log        // optional: enables /api/activity
	// BaseContext bounds passes started through the API. Defaults to context.Background().
	BaseContext context.Context
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Set Gin to release mode for production (suppresses debug warnings)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	r.Use(corsMiddleware(os.Getenv("MANGAFIXER_CORS_ORIGIN")))

	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	s := &RESTServer{
		router:    r,
		eventBus:  deps.EventBus,
		scanner:   deps.Scanner,
		trigger:   deps.Trigger,
		notifier:  deps.Notifier,
		activity:  deps.Activity,
		metrics:   deps.Metrics,
		hub:       NewWebSocketHub(deps.EventBus),
		startTime: time.Now(),
		baseCtx:   baseCtx,
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// corsMiddleware allows the comma-separated origins in allowed, or every
// origin for "*". Empty means same-origin only.
func corsMiddleware(corsOrigins string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *RESTServer) setupRoutes() {
	// Prometheus metrics endpoint at root level (standard convention)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api")
	api.Use(APILimiter.Middleware())
	{
		api.GET("/health", s.handleHealth)
		api.GET("/system/info", s.handleSystemInfo)

		api.GET("/status", s.handleStatus)
		api.POST("/pass", PassLimiter.Middleware(), s.handleTriggerPass)

		api.GET("/activity", s.handleActivity)
		api.GET("/logs/recent", s.handleRecentLogs)
		api.GET("/logs/download", s.handleDownloadLogs)

		api.POST("/notifications/test", s.handleTestNotification)

		api.GET("/ws", s.hub.HandleConnection)
	}
}

// Router exposes the gin engine, mainly for tests.
func (s *RESTServer) Router() http.Handler {
	return s.router
}

// SetNextPass records when the scheduler will start the next pass.
func (s *RESTServer) SetNextPass(t time.Time) {
	s.nextMu.Lock()
	s.nextPass = t
	s.nextMu.Unlock()
}

func (s *RESTServer) getNextPass() time.Time {
	s.nextMu.RLock()
	defer s.nextMu.RUnlock()
	return s.nextPass
}

// Start serves on addr until Shutdown is called. After Shutdown it returns
// http.ErrServerClosed, even when Shutdown came first.
func (s *RESTServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}
