package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/orderbridge/internal/db"
	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

// OrderService is the part of a connector the API exposes
type OrderService interface {
	Name() string
	Trusted() bool
	ActiveOrders() []order.Snapshot
	Lookup(id string) (order.Snapshot, bool)
	Submit(ctx context.Context, req exchange.OrderRequest) (string, error)
	Cancel(ctx context.Context, clientOrderID string) error
}

// AuditStore serves recorded fills
type AuditStore interface {
	ListFills(ctx context.Context, connector, clientOrderID string) ([]db.AuditFill, error)
	Health(ctx context.Context) error
}

// Server represents the REST API server
type Server struct {
	router     *gin.Engine
	connectors map[string]OrderService
	audit      AuditStore
	addr       string
	server     *http.Server
	startTime  time.Time
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Connectors     []OrderService
	Audit          AuditStore // Optional
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(MetricsMiddleware())

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	connectors := make(map[string]OrderService, len(config.Connectors))
	for _, c := range config.Connectors {
		connectors[c.Name()] = c
	}

	server := &Server{
		router:     router,
		connectors: connectors,
		audit:      config.Audit,
		addr:       fmt.Sprintf("%s:%d", config.Host, config.Port),
		startTime:  time.Now(),
	}
	server.setupRoutes()
	server.server = &http.Server{
		Addr:         server.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. Calling Stop first makes Start return
// immediately.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logEvent := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			logEvent = log.Warn()
		}
		logEvent = logEvent.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

// MetricsMiddleware records request counts and latency by route template
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordAPIRequest(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
			float64(time.Since(start).Microseconds())/1000,
		)
	}
}
