// Package api provides the HTTP and WebSocket admin surface of the gateway.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/msgbridge/msgbridge/internal/config"
	"github.com/msgbridge/msgbridge/internal/deliverylog"
	"github.com/msgbridge/msgbridge/internal/forwarder"
	"github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/queue"
	"github.com/msgbridge/msgbridge/internal/router"
	"github.com/msgbridge/msgbridge/internal/session"
)

// Server is the admin HTTP server: session lifecycle, sends, queue control,
// stats, and the platform webhook endpoint.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	cfg       *config.Manager
	sessions  *session.Supervisor
	router    *router.Router
	queue     *queue.Queue
	forwarder *forwarder.Forwarder
	stats     deliverylog.Backend

	upgrader websocket.Upgrader
}

// NewServer wires the admin surface over the core components. stats may be nil.
func NewServer(cfg *config.Manager, sessions *session.Supervisor, r *router.Router,
	q *queue.Queue, f *forwarder.Forwarder, stats deliverylog.Backend) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:    engine,
		cfg:       cfg,
		sessions:  sessions,
		router:    r,
		queue:     q,
		forwarder: f,
		stats:     stats,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(logging.GinLogrusLogger())
	s.engine.Use(logging.GinLogrusRecovery())
	s.engine.Use(corsMiddleware())
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/sessions", s.handleListSessions)
	s.engine.POST("/sessions/:tenantId", s.handleCreateSession)
	s.engine.GET("/sessions/:tenantId", s.handleGetSession)
	s.engine.DELETE("/sessions/:tenantId", s.handleDeleteSession)
	s.engine.POST("/sessions/:tenantId/send", s.handleSend)
	s.engine.GET("/ws/sessions/:tenantId", s.handleSessionStream)

	s.engine.GET("/queue", s.handleQueueList)
	s.engine.POST("/queue/drain", s.handleQueueDrain)

	s.engine.GET("/stats", s.handleStats)

	s.engine.GET("/platform/webhook", s.handleWebhookVerify)
	s.engine.POST("/platform/webhook", s.handleWebhookInbound)
}

// Start begins serving in the background; the returned channel reports the
// terminal serve error, if any.
func (s *Server) Start() <-chan error {
	cfg := s.cfg.Current()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("admin api listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// notFoundShape is the stable body for missing sessions: the admin surface
// deliberately answers 200 so dashboards can poll without error handling.
func notFoundShape(tenantID string) gin.H {
	return gin.H{"tenantId": tenantID, "status": "not_found"}
}
