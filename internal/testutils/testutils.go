package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qsim/internal/logger"
	"qsim/internal/market/kline"
)

// TestConfig 测试配置
type TestConfig struct {
	LogLevel logger.LogLevel
	Verbose  bool // 输出日志到stdout
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		LogLevel: logger.LevelError, // 测试时减少日志输出
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	Logger  logger.Logger
	TempDir string
	Cleanup []func()
}

// NewTestSuite 创建测试套件
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	if config == nil {
		config = DefaultTestConfig()
	}

	output := "discard"
	if config.Verbose {
		output = "stdout"
	}
	suite := &TestSuite{
		T:       t,
		Config:  config,
		Logger:  logger.NewLogger(logger.Config{Level: config.LogLevel, Format: logger.FormatText, Output: output}),
		TempDir: t.TempDir(),
	}
	t.Cleanup(suite.TearDown)
	return suite
}

// AddCleanup 添加清理函数
func (s *TestSuite) AddCleanup(cleanup func()) {
	s.Cleanup = append(s.Cleanup, cleanup)
}

// TearDown 清理测试环境, 按注册的逆序执行
func (s *TestSuite) TearDown() {
	for i := len(s.Cleanup) - 1; i >= 0; i-- {
		s.Cleanup[i]()
	}
	s.Cleanup = nil
}

// CreateTempFile 在临时目录中创建文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	path := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(s.T, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// WriteSeries 将序列写入临时目录下的parquet文件
func (s *TestSuite) WriteSeries(name string, series *kline.Series) string {
	path := filepath.Join(s.TempDir, name)
	require.NoError(s.T, kline.WriteParquet(path, series))
	return path
}

// Context 返回带超时并在测试结束时取消的上下文
func (s *TestSuite) Context(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	s.AddCleanup(cancel)
	return ctx
}

// HTTPTestHelper HTTP测试助手
type HTTPTestHelper struct {
	Router *gin.Engine
	Suite  *TestSuite
}

// NewHTTPTestHelper 创建HTTP测试助手; router为nil时创建空路由
func NewHTTPTestHelper(suite *TestSuite, router *gin.Engine) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	if router == nil {
		router = gin.New()
	}
	return &HTTPTestHelper{Router: router, Suite: suite}
}

// GET 发送GET请求
func (h *HTTPTestHelper) GET(path string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil)
}

// POST 发送POST请求
func (h *HTTPTestHelper) POST(path string, body interface{}) *HTTPResponse {
	return h.Request(http.MethodPost, path, body)
}

// Request 发送HTTP请求
func (h *HTTPTestHelper) Request(method, path string, body interface{}) *HTTPResponse {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		require.NoError(h.Suite.T, err)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	return &HTTPResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
		suite:      h.Suite,
	}
}

// HTTPResponse HTTP响应
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	suite      *TestSuite
}

// AssertStatus 断言状态码
func (r *HTTPResponse) AssertStatus(expectedStatus int) *HTTPResponse {
	assert.Equal(r.suite.T, expectedStatus, r.StatusCode, string(r.Body))
	return r
}

// AssertContains 断言响应包含指定内容
func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.suite.T, string(r.Body), substring)
	return r
}

// DecodeJSON 解析JSON响应
func (r *HTTPResponse) DecodeJSON(target interface{}) {
	require.NoError(r.suite.T, json.Unmarshal(r.Body, target), string(r.Body))
}

// Eventually 等待条件成立
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	assert.Eventually(t, condition, timeout, 10*time.Millisecond, message)
}
