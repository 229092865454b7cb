package usage

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/satwatch/satwatch/internal/session"
)

// Handler provides HTTP endpoints for usage history.
type Handler struct {
	log *Log
}

// NewHandler creates a new usage handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up usage routes. The group must carry the owner
// middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetHistory)
	r.GET("/usage/total", h.GetTotal)
}

// GetHistory handles GET /v1/usage?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.log.History(c.Request.Context(), o, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage": records,
		"count": len(records),
	})
}

// GetTotal handles GET /v1/usage/total
func (h *Handler) GetTotal(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	total, err := h.log.TotalUsage(c.Request.Context(), o)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total})
}
