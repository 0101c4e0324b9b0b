package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/pkg/httputil"
)

const (
	HeaderXUserID = "X-User-ID"
	ContextUserID = "user_id"
)

// Identity reads the caller's user id from the X-User-ID header set by the
// gateway in front of the API. Authentication happens there; this only
// scopes campaigns to their owner.
func Identity(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderXUserID)
		if raw == "" {
			if required {
				httputil.RespondWithStatusError(c, http.StatusUnauthorized, "missing "+HeaderXUserID+" header")
				return
			}
			c.Next()
			return
		}

		userID, err := uuid.Parse(raw)
		if err != nil {
			httputil.RespondBadRequest(c, "invalid "+HeaderXUserID+" header")
			return
		}
		c.Set(ContextUserID, userID.String())
		c.Next()
	}
}

// UserID returns the caller set by Identity, or uuid.Nil.
func UserID(c *gin.Context) uuid.UUID {
	id, err := uuid.Parse(c.GetString(ContextUserID))
	if err != nil {
		return uuid.Nil
	}
	return id
}
