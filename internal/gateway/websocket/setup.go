package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events/bus"
)

// Gateway bundles the hub, its bus feed, and the upgrade handler
type Gateway struct {
	Hub     *Hub
	Handler *Handler
	Feed    *Feed
	logger  *logger.Logger
}

// NewGateway creates the operator feed gateway. The caller runs
// Hub.Run(ctx) on its own goroutine; the feed unsubscribes when ctx is
// cancelled.
func NewGateway(ctx context.Context, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	handler := NewHandler(hub, log)
	feed := RegisterEventFeed(ctx, eventBus, hub, log)

	return &Gateway{
		Hub:     hub,
		Handler: handler,
		Feed:    feed,
		logger:  log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
