package session

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/satwatch/satwatch/internal/owner"
)

// UserHeader carries the registered-user id resolved by the surrounding
// authentication layer. Session cookies and credential checks for
// registered users live outside this service; by the time a request
// arrives here the user id is already trusted.
const UserHeader = "X-User-ID"

const ownerContextKey = "credit_owner"

// OwnerMiddleware resolves the request's owner: a registered user via
// X-User-ID, or an anonymous session via X-Session-Token. Requests with
// neither are rejected. Resolving a session counts as activity.
func OwnerMiddleware(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader(UserHeader); userID != "" {
			id, err := strconv.ParseInt(userID, 10, 64)
			if err != nil || id <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_owner",
					"message": "X-User-ID must be a positive integer",
				})
				return
			}
			c.Set(ownerContextKey, owner.ForUser(id))
			c.Next()
			return
		}

		token := c.GetHeader(TokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "owner_required",
				"message": "Provide X-User-ID or X-Session-Token",
			})
			return
		}

		s, err := registry.FindActiveSession(c.Request.Context(), token)
		if err == ErrNotFound {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "session_not_found",
				"message": "No active session for this token",
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
			return
		}

		// Best-effort activity bookkeeping; the request proceeds even
		// if the touch fails.
		_ = registry.Touch(c.Request.Context(), s)

		c.Set(ownerContextKey, owner.ForSession(s.ID))
		c.Next()
	}
}

// CurrentOwner returns the owner resolved by OwnerMiddleware.
func CurrentOwner(c *gin.Context) (owner.Owner, bool) {
	v, exists := c.Get(ownerContextKey)
	if !exists {
		return owner.Owner{}, false
	}
	o, ok := v.(owner.Owner)
	return o, ok
}
