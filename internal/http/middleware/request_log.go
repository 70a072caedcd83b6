package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/screening-backend/internal/platform/ctxutil"
	"github.com/yungbote/screening-backend/internal/platform/logger"
)

// CaseIDKey is the gin context key handlers set so the access log can carry
// the case a request touched.
const CaseIDKey = "case_id"

func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := append([]interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}, ctxutil.LogFields(c.Request.Context())...)
		if id := c.GetString(CaseIDKey); id != "" {
			fields = append(fields, "case_id", id)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}
