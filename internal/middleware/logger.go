package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-gateway/davengine/internal/models"
)

// LoggerMiddleware 请求日志，5xx 记为 error，4xx 记为 warn
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		entry := logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": latency,
			"ip":      c.ClientIP(),
			"user":    c.GetString(models.ContextKeyUsername),
		})
		if depth := c.GetHeader("Depth"); depth != "" {
			entry = entry.WithField("depth", depth)
		}
		if size := c.Writer.Size(); size > 0 {
			entry = entry.WithField("size", humanize.Bytes(uint64(size)))
		}

		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error("request processed")
		case statusCode >= http.StatusBadRequest && statusCode != http.StatusNotFound:
			entry.Warn("request processed")
		default:
			entry.Info("request processed")
		}
	}
}

func RecoveryMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
					"stack":  string(debug.Stack()),
				}).Error("panic recovered")
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
