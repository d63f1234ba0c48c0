package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"qsim/internal/logger"
)

const requestIDKey = "request_id"

// RequestID 为每个请求分配ID, 优先沿用 X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// GetRequestID 获取请求ID
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(requestIDKey); exists {
		if rid, ok := requestID.(string); ok {
			return rid
		}
	}
	return c.GetHeader("X-Request-ID")
}

// RequestLogger 访问日志
func RequestLogger(l logger.Logger) gin.HandlerFunc {
	rl := logger.NewRequestLogger(l)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rl.LogRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), map[string]interface{}{
			"request_id": GetRequestID(c),
			"client_ip":  c.ClientIP(),
			"bytes":      c.Writer.Size(),
		})
	}
}
