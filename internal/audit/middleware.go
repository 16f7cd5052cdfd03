package audit

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequireBearerMiddleware only checks that a bearer token is present; validation happens at the gateway.
func RequireBearerMiddleware() gin.HandlerFunc {
	disabled := strings.EqualFold(os.Getenv("LS_AUTH_DISABLED"), "true") || os.Getenv("LS_AUTH_DISABLED") == "1"

	return func(c *gin.Context) {
		if disabled {
			c.Next()
			return
		}
		p := c.Request.URL.Path
		if p == "/healthz" || p == "/readyz" {
			c.Next()
			return
		}
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/swagger") || p == "/docs" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(auth, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "missing bearer token"})
				return
			}
		}
		c.Next()
	}
}

// WriteAuditMiddleware records every non-GET API call with its caller.
func WriteAuditMiddleware(client *Client, agent string, logger *zap.Logger) gin.HandlerFunc {
	if client == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if strings.TrimSpace(agent) == "" {
		agent = "ledgersync"
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		method := strings.ToUpper(c.Request.Method)
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return
		}

		status := c.Writer.Status()
		entry := Entry{
			Agent:  agent,
			Action: "ledgersync_http_write",
			Level:  levelFromStatus(status),
			Details: map[string]any{
				"method":    method,
				"path":      path,
				"route":     c.FullPath(),
				"status":    status,
				"duration":  time.Since(start).String(),
				"initiator": Initiator(c),
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Write(ctx, entry); err != nil && logger != nil {
			logger.Debug("audit http write failed", zap.Error(err))
		}
	}
}

// Initiator names the caller of a request for session and audit records.
func Initiator(c *gin.Context) string {
	for _, h := range []string{"X-Initiated-By", "X-User", "X-Role"} {
		if v := strings.TrimSpace(c.GetHeader(h)); v != "" {
			return v
		}
	}
	return "api"
}

func levelFromStatus(status int) string {
	if status >= 500 {
		return "error"
	}
	if status >= 400 {
		return "warn"
	}
	return "info"
}
