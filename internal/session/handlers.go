package session

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satwatch/satwatch/internal/validation"
)

// TokenHeader carries the anonymous session token on every request
// after the session is created.
const TokenHeader = "X-Session-Token"

// Handler provides HTTP endpoints for anonymous session management.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new session handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/current", h.GetCurrentSession)
	r.DELETE("/sessions/current", h.DeactivateSession)
}

// CreateSession handles POST /v1/sessions. The user agent is
// client-controlled free text and gets sanitized before storage.
func (h *Handler) CreateSession(c *gin.Context) {
	ua := validation.SanitizeString(c.Request.UserAgent(), 256)
	s, err := h.registry.CreateAnonymousSession(c.Request.Context(), ua, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create session",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// GetCurrentSession handles GET /v1/sessions/current. A successful
// lookup counts as activity and updates lastActiveAt.
func (h *Handler) GetCurrentSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.registry.Touch(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// DeactivateSession handles DELETE /v1/sessions/current
func (h *Handler) DeactivateSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.registry.Deactivate(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

func (h *Handler) lookup(c *gin.Context) (*Session, bool) {
	token := c.GetHeader(TokenHeader)
	s, err := h.registry.FindActiveSession(c.Request.Context(), token)
	if err == ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No active session for this token",
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return nil, false
	}
	return s, true
}
