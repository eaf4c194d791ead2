// Package server assembles the Leon HTTP surface: thread CRUD, run
// control and observation, message routing, and the operator endpoints,
// all on one gin engine.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/getleon/leon/internal/common/httpmw"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/gateway/websocket"
	"github.com/getleon/leon/internal/queue"
	"github.com/getleon/leon/internal/resolver"
	"github.com/getleon/leon/internal/run"
	"github.com/getleon/leon/internal/thread"
)

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Threads    *thread.Service
	Supervisor *run.Supervisor
	Router     *queue.Router
	Resolver   *resolver.Resolver
	Gateway    *websocket.Gateway
}

// Server wraps the gin engine so callers hold one http.Handler.
type Server struct {
	engine *gin.Engine
	logger *logger.Logger
}

// New builds the engine with Recovery, CORS, request logging, and OTel
// tracing, then registers all route groups. Set gin's mode before
// calling when release mode is wanted.
func New(deps Deps, log *logger.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestLogger(log, "leon"))
	engine.Use(httpmw.OtelTracing("leon"))

	RegisterThreadRoutes(engine, deps.Threads, log)
	RegisterRunRoutes(engine, deps.Supervisor, deps.Router, deps.Threads, log)
	RegisterOperatorRoutes(engine, deps.Resolver, log)

	if deps.Gateway != nil {
		deps.Gateway.SetupRoutes(engine)
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "leon",
		})
	})

	return &Server{engine: engine, logger: log}
}

// Handler returns the engine as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
