package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 定义错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"
	ErrCodeCancelled    ErrorCode = "CANCELLED"

	// 缓存错误
	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION_ERROR"
	ErrCodeCacheOperation  ErrorCode = "CACHE_OPERATION_ERROR"

	// 策略与模拟错误
	ErrCodeStrategyNotFound   ErrorCode = "STRATEGY_NOT_FOUND"
	ErrCodeStrategyExecution  ErrorCode = "STRATEGY_EXECUTION_ERROR"
	ErrCodeParameterInvalid   ErrorCode = "PARAMETER_INVALID"
	ErrCodeSimulationFailed   ErrorCode = "SIMULATION_FAILED"
	ErrCodeOptimizationFailed ErrorCode = "OPTIMIZATION_FAILED"

	// 行情数据错误
	ErrCodeMarketDataInvalid ErrorCode = "MARKET_DATA_INVALID"
)

// ErrorSeverity 定义错误严重程度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError 应用错误结构
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeStrategyNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeParameterInvalid, ErrCodeMarketDataInvalid:
		return http.StatusBadRequest
	case ErrCodeStrategyExecution, ErrCodeSimulationFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeTimeout, ErrCodeCancelled:
		return http.StatusRequestTimeout
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New 创建新的应用错误
func New(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// Newf 创建带格式化详情的应用错误
func Newf(code ErrorCode, message, format string, args ...interface{}) *AppError {
	err := New(code, message, nil)
	err.Details = fmt.Sprintf(format, args...)
	return err
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRunID 关联一次回测/搜索运行
func (e *AppError) WithRunID(runID string) *AppError {
	e.RunID = runID
	return e
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeCacheConnection:
		return SeverityCritical
	case ErrCodeStrategyExecution, ErrCodeOptimizationFailed:
		return SeverityHigh
	case ErrCodeSimulationFailed, ErrCodeCacheOperation, ErrCodeCancelled:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// WrapError 包装标准错误为应用错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	// 已经是AppError时保持原样
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	return New(code, message, err)
}

// GetAppError 获取错误链中的应用错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsAppError 检查是否为应用错误
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// IsCode 检查错误链中是否包含指定代码
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// IsInvalidInput 结构性输入错误(空序列、未排序、参数范围非法)
func IsInvalidInput(err error) bool {
	return IsCode(err, ErrCodeInvalidInput) || IsCode(err, ErrCodeParameterInvalid) || IsCode(err, ErrCodeMarketDataInvalid)
}

// IsCancelled 检查是否为取消错误
func IsCancelled(err error) bool {
	return IsCode(err, ErrCodeCancelled)
}
