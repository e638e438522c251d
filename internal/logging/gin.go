package logging

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinLogrusLogger logs each request through the process logger at debug level,
// errors at warn.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		entry := std.WithField("status", status).
			WithField("latency", latency.Round(time.Millisecond).String())
		if status >= 500 {
			entry.Warnf("%s %s", c.Request.Method, c.Request.URL.Path)
		} else {
			entry.Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
		}
	}
}

// GinLogrusRecovery converts handler panics into a logged 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				std.Errorf("panic in %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
