// Package middleware carries the cross-cutting gin handlers: CORS and
// client session tracking for SSE progress routing.
package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	sessionHeader = "X-Client-Session-Id"
	requestHeader = "X-Request-Id"

	sessionContextKey = "client_session_id"
	requestContextKey = "request_id"
)

// CORS allows the browser frontend to call the API and stream SSE
func CORS(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", sessionHeader, requestHeader},
		ExposeHeaders:    []string{"Content-Length", requestHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// ClientSession extracts the client session header so upload and
// training handlers can route progress events back to the right tabs.
// A missing header is fine; events become broadcast-only.
func ClientSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if session := c.GetHeader(sessionHeader); session != "" {
			c.Set(sessionContextKey, session)
		}
		requestID := c.GetHeader(requestHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestContextKey, requestID)
		c.Header(requestHeader, requestID)
		c.Next()
	}
}

// SessionID returns the client session attached to the request, empty
// when the client sent none
func SessionID(c *gin.Context) string {
	return c.GetString(sessionContextKey)
}

// RequestID returns the request correlation id
func RequestID(c *gin.Context) string {
	return c.GetString(requestContextKey)
}
