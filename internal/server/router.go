package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/handler"
)

// SetupRouter configures routes and middleware
func SetupRouter(h *handler.Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	h.SetupRoutes(router)
	return router
}

// requestLogger logs each request as a structured entry, skipping the scrape
// and health-check endpoints that would otherwise drown the log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/metrics" || path == "/healthz" {
			return
		}

		entry := logrus.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"client":  c.ClientIP(),
			"latency": time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
		} else {
			entry.Info("request handled")
		}
	}
}
