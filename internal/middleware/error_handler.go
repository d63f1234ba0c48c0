package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"qsim/internal/errors"
	"qsim/internal/logger"
)

// ErrorHandler 错误处理中间件, 将panic转换为内部错误响应
func ErrorHandler(l logger.Logger) gin.HandlerFunc {
	l = logger.OrGlobal(l)
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		l.Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		err := errors.Newf(errors.ErrCodeInternal, "Internal server error", "%v", recovered)
		Abort(c, l, err)
	})
}

// HandleError 处理handler通过c.Error登记的错误
func HandleError(l logger.Logger) gin.HandlerFunc {
	l = logger.OrGlobal(l)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			Abort(c, l, c.Errors.Last().Err)
		}
	}
}

// Abort 统一错误处理: 转换为应用错误, 记录日志并写出响应
func Abort(c *gin.Context, l logger.Logger, err error) {
	if err == nil {
		return
	}
	appErr := errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	if requestID := GetRequestID(c); requestID != "" {
		appErr = appErr.WithContext("request_id", requestID)
	}

	logError(c, logger.OrGlobal(l), appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.Request.URL.Path))
}

// logError 记录错误日志
func logError(c *gin.Context, l logger.Logger, err *errors.AppError) {
	fields := []interface{}{
		"error_code", err.Code,
		"message", err.Message,
		"severity", err.Severity,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
	}
	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if len(err.Context) > 0 {
		contextJSON, _ := json.Marshal(err.Context)
		fields = append(fields, "context", string(contextJSON))
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	// 根据严重程度选择日志级别
	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		l.Error("Request failed", fields...)
	case errors.SeverityMedium:
		l.Warn("Request failed", fields...)
	default:
		l.Info("Request failed", fields...)
	}
}

// NotFound 未匹配路由
func NotFound(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		Abort(c, l, errors.Newf(errors.ErrCodeNotFound, "route not found", "%s %s", c.Request.Method, c.Request.URL.Path))
	}
}

// BodyLimit 限制请求体大小
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
