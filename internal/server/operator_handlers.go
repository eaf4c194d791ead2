package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/resolver"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

const defaultLeaseListLimit = 100

type OperatorHandlers struct {
	resolver *resolver.Resolver
	logger   *logger.Logger
}

func NewOperatorHandlers(res *resolver.Resolver, log *logger.Logger) *OperatorHandlers {
	return &OperatorHandlers{
		resolver: res,
		logger:   log.WithFields(zap.String("component", "operator-handlers")),
	}
}

func RegisterOperatorRoutes(router *gin.Engine, res *resolver.Resolver, log *logger.Logger) {
	handlers := NewOperatorHandlers(res, log)
	api := router.Group("/api/v1")
	api.GET("/operator/orphans", handlers.httpScanOrphans)
	api.POST("/operator/orphans/adopt", handlers.httpAdoptOrphan)
	api.POST("/operator/orphans/destroy", handlers.httpDestroyOrphan)
	api.GET("/operator/leases", handlers.httpListLeases)
	api.GET("/operator/leases/:id/events", handlers.httpLeaseEvents)
	api.GET("/operator/events", handlers.httpRecentLeaseEvents)
}

// httpScanOrphans sweeps every provider live. Partial provider outages
// come back inside the report, not as a failed request.
func (h *OperatorHandlers) httpScanOrphans(c *gin.Context) {
	report, err := h.resolver.Orphans(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "orphan scan failed")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *OperatorHandlers) httpAdoptOrphan(c *gin.Context) {
	var body v1.AdoptOrphanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	lease, err := h.resolver.Adopt(c.Request.Context(), body.ThreadID, body.Provider, body.InstanceID)
	if err != nil {
		respondError(c, h.logger, err, "orphan not adopted")
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (h *OperatorHandlers) httpDestroyOrphan(c *gin.Context) {
	var body v1.DestroyOrphanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.resolver.DestroyOrphan(c.Request.Context(), body.Provider, body.InstanceID); err != nil {
		respondError(c, h.logger, err, "orphan not destroyed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// httpListLeases lists leases, or only the diverged ones with
// ?diverged=true.
func (h *OperatorHandlers) httpListLeases(c *gin.Context) {
	var (
		leases []*v1.Lease
		err    error
	)
	if c.Query("diverged") == "true" {
		leases, err = h.resolver.DivergedLeases(c.Request.Context())
	} else {
		limit := defaultLeaseListLimit
		if raw := c.Query("limit"); raw != "" {
			if parsed, perr := strconv.Atoi(raw); perr == nil && parsed > 0 && parsed <= 1000 {
				limit = parsed
			}
		}
		leases, err = h.resolver.Leases(c.Request.Context(), limit)
	}
	if err != nil {
		respondError(c, h.logger, err, "leases not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"leases": leases, "total": len(leases)})
}

func (h *OperatorHandlers) httpLeaseEvents(c *gin.Context) {
	limit := defaultLeaseListLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	events, err := h.resolver.LeaseEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err, "lease events not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// httpRecentLeaseEvents is the operator's cross-lease reconciliation
// activity view.
func (h *OperatorHandlers) httpRecentLeaseEvents(c *gin.Context) {
	limit := defaultLeaseListLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	events, err := h.resolver.RecentLeaseEvents(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err, "lease events not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
