package api

import (
	"strconv"
	"time"

	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	sessionCookie = "sessionid"
	sessionCtxKey = "session_id"
)

// sessionMiddleware makes sure every request carries a session cookie,
// issuing a new one when the client has none.
func sessionMiddleware(ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(sessionCookie)
		if err != nil || id == "" {
			id = uuid.New().String()
			c.SetCookie(sessionCookie, id, int(ttl.Seconds()), "/", "", false, true)
		}
		c.Set(sessionCtxKey, id)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionCtxKey)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
