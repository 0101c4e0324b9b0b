package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

// Logger logs one line per request once the handler chain has run. Errors
// attached with c.Error are logged with the request.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []interface{}{
			"request_id", c.GetString(ContextRequestID),
			"method", c.Request.Method,
			"path", path,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		if userID := c.GetString(ContextUserID); userID != "" {
			fields = append(fields, "user_id", userID)
		}

		switch {
		case len(c.Errors) > 0:
			log.Error(c.Errors.Last().Err, "request failed", fields...)
		case c.Writer.Status() >= 500:
			log.Warn("request completed with server error", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}
