package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/thread"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// defaultRecentEventLimit bounds the recent-events listing when the
// client does not ask for a specific window.
const defaultRecentEventLimit = 100

type ThreadHandlers struct {
	service *thread.Service
	logger  *logger.Logger
}

func NewThreadHandlers(svc *thread.Service, log *logger.Logger) *ThreadHandlers {
	return &ThreadHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "thread-handlers")),
	}
}

func RegisterThreadRoutes(router *gin.Engine, svc *thread.Service, log *logger.Logger) {
	handlers := NewThreadHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/threads", handlers.httpCreateThread)
	api.GET("/threads", handlers.httpListThreads)
	api.GET("/threads/:id", handlers.httpGetThread)
	api.DELETE("/threads/:id", handlers.httpDeleteThread)
	api.GET("/threads/:id/runtime", handlers.httpThreadRuntime)
	api.GET("/threads/:id/events/recent", handlers.httpRecentEvents)
}

func (h *ThreadHandlers) httpCreateThread(c *gin.Context) {
	var body v1.CreateThreadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	th, err := h.service.Create(c.Request.Context(), body)
	if err != nil {
		respondError(c, h.logger, err, "thread not created")
		return
	}
	c.JSON(http.StatusCreated, th)
}

func (h *ThreadHandlers) httpListThreads(c *gin.Context) {
	threads, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "threads not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads, "total": len(threads)})
}

func (h *ThreadHandlers) httpGetThread(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *ThreadHandlers) httpDeleteThread(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "thread not deleted")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *ThreadHandlers) httpThreadRuntime(c *gin.Context) {
	rt, err := h.service.Runtime(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}
	c.JSON(http.StatusOK, rt)
}

func (h *ThreadHandlers) httpRecentEvents(c *gin.Context) {
	limit := defaultRecentEventLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	events, err := h.service.RecentEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err, "events not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
