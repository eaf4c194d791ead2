package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/queue"
	"github.com/getleon/leon/internal/run"
	"github.com/getleon/leon/internal/thread"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

type RunHandlers struct {
	supervisor *run.Supervisor
	router     *queue.Router
	threads    *thread.Service
	logger     *logger.Logger
}

func NewRunHandlers(sup *run.Supervisor, router *queue.Router, threads *thread.Service, log *logger.Logger) *RunHandlers {
	return &RunHandlers{
		supervisor: sup,
		router:     router,
		threads:    threads,
		logger:     log.WithFields(zap.String("component", "run-handlers")),
	}
}

func RegisterRunRoutes(router *gin.Engine, sup *run.Supervisor, qrouter *queue.Router, threads *thread.Service, log *logger.Logger) {
	handlers := NewRunHandlers(sup, qrouter, threads, log)
	api := router.Group("/api/v1")
	api.POST("/threads/:id/runs", handlers.httpStartRun)
	api.GET("/threads/:id/runs/events", handlers.httpObserveRun)
	api.POST("/threads/:id/runs/cancel", handlers.httpCancelRun)
	api.POST("/threads/:id/messages", handlers.httpSendMessage)
	api.GET("/threads/:id/queue", handlers.httpListQueue)
}

// httpStartRun launches a run directly, bypassing the queue router. A
// thread with an active run answers 409.
func (h *RunHandlers) httpStartRun(c *gin.Context) {
	threadID := c.Param("id")
	var body v1.StartRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if _, err := h.threads.Lookup(c.Request.Context(), threadID); err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}

	var opts []run.RunOption
	if body.EnableTrajectory {
		opts = append(opts, run.WithTrajectory())
	}

	runID, err := h.supervisor.StartRun(c.Request.Context(), threadID, body.Message, opts...)
	if err != nil {
		respondError(c, h.logger, err, "run not started")
		return
	}
	c.JSON(http.StatusAccepted, v1.StartRunResponse{RunID: runID, ThreadID: threadID})
}

func (h *RunHandlers) httpCancelRun(c *gin.Context) {
	threadID := c.Param("id")
	if _, err := h.threads.Lookup(c.Request.Context(), threadID); err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}

	runID, err := h.supervisor.CancelRun(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, h.logger, err, "run not cancelled")
		return
	}
	c.JSON(http.StatusOK, v1.CancelRunResponse{RunID: runID, Status: "cancelling"})
}

// httpSendMessage routes a message through the queue router, which
// decides between starting, steering, queueing, and interrupting.
func (h *RunHandlers) httpSendMessage(c *gin.Context) {
	threadID := c.Param("id")
	var body v1.SendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if _, err := h.threads.Lookup(c.Request.Context(), threadID); err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}

	resp, err := h.router.Route(c.Request.Context(), threadID, body.Message, body.Interrupt)
	if err != nil {
		respondError(c, h.logger, err, "message not routed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RunHandlers) httpListQueue(c *gin.Context) {
	threadID := c.Param("id")
	if _, err := h.threads.Lookup(c.Request.Context(), threadID); err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}

	msgs, err := h.router.List(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, h.logger, err, "queue not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}
