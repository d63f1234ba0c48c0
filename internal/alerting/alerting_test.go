package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qsim/internal/logger"
)

type captured struct {
	mu       sync.Mutex
	bodies   []map[string]interface{}
	queries  []string
	headers  []http.Header
	failures int32
}

// server answers 500 for the first failures requests
func (c *captured) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&c.failures, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.queries = append(c.queries, r.URL.RawQuery)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

type fakeRecorder struct {
	mu      sync.Mutex
	results map[string][]error
}

func (r *fakeRecorder) RecordAlert(channel string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string][]error)
	}
	r.results[channel] = append(r.results[channel], err)
}

func (r *fakeRecorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results[channel])
}

// waitDelivered waits for the worker to finish retrying before Stop
func waitDelivered(t *testing.T, rec *fakeRecorder, channel string) {
	assert.Eventually(t, func() bool { return rec.count(channel) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.RetryInterval = time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func TestAlertManagerDeliversToEveryChannel(t *testing.T) {
	slack, hook := &captured{}, &captured{}
	cfg := testConfig()
	cfg.Slack = SlackConfig{WebhookURL: slack.server(t).URL, Channel: "#alerts"}
	cfg.Webhook = WebhookConfig{URL: hook.server(t).URL, Headers: map[string]string{"X-Token": "abc"}}

	rec := &fakeRecorder{}
	am := NewFromConfig(cfg, rec, logger.NewNopLogger())
	am.Start()

	err := am.SendAlert(context.Background(), Alert{
		Level:   AlertLevelWarning,
		Title:   "Re-optimization triggered for btc",
		Message: "low sharpe ratio: 0.20 < 0.50",
		Source:  "scheduler/btc",
	})
	require.NoError(t, err)
	am.Stop()

	require.Equal(t, 1, slack.count())
	assert.Equal(t, "#alerts", slack.bodies[0]["channel"])
	attachment := slack.bodies[0]["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "#ff9500", attachment["color"])
	assert.Equal(t, "Re-optimization triggered for btc", attachment["title"])

	require.Equal(t, 1, hook.count())
	assert.Equal(t, "scheduler/btc", hook.bodies[0]["source"])
	assert.Equal(t, "warning", hook.bodies[0]["level"])
	assert.NotEmpty(t, hook.bodies[0]["id"])
	assert.Equal(t, "abc", hook.headers[0].Get("X-Token"))

	assert.Equal(t, []error{nil}, rec.results["slack"])
	assert.Equal(t, []error{nil}, rec.results["webhook"])
}

func TestAlertManagerRetries(t *testing.T) {
	hook := &captured{failures: 2}
	cfg := testConfig()
	cfg.Webhook = WebhookConfig{URL: hook.server(t).URL}

	rec := &fakeRecorder{}
	am := NewFromConfig(cfg, rec, logger.NewNopLogger())
	am.Start()
	require.NoError(t, am.SendAlert(context.Background(), Alert{Level: AlertLevelError, Title: "failed"}))
	waitDelivered(t, rec, "webhook")
	am.Stop()

	assert.Equal(t, 1, hook.count())
	assert.Equal(t, []error{nil}, rec.results["webhook"])
}

func TestAlertManagerGivesUp(t *testing.T) {
	hook := &captured{failures: 100}
	cfg := testConfig()
	cfg.RetryCount = 1
	cfg.Webhook = WebhookConfig{URL: hook.server(t).URL}

	rec := &fakeRecorder{}
	am := NewFromConfig(cfg, rec, logger.NewNopLogger())
	am.Start()
	require.NoError(t, am.SendAlert(context.Background(), Alert{Title: "x"}))
	waitDelivered(t, rec, "webhook")
	am.Stop()

	assert.Equal(t, 0, hook.count())
	assert.Equal(t, int32(98), atomic.LoadInt32(&hook.failures))
	require.Len(t, rec.results["webhook"], 1)
	assert.ErrorContains(t, rec.results["webhook"][0], "status 500")
}

func TestAlertManagerQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	am := NewAlertManager(cfg, nil, logger.NewNopLogger())

	// worker 未启动, 队列只能容纳一条
	require.NoError(t, am.SendAlert(context.Background(), Alert{Title: "first"}))
	assert.ErrorContains(t, am.SendAlert(context.Background(), Alert{Title: "second"}), "queue is full")
}

func TestDingTalkSignature(t *testing.T) {
	ding := &captured{}
	cfg := testConfig()
	cfg.DingTalk = DingTalkConfig{WebhookURL: ding.server(t).URL + "/robot/send?access_token=t", Secret: "SEC"}

	am := NewFromConfig(cfg, nil, logger.NewNopLogger())
	am.Start()
	require.NoError(t, am.SendAlert(context.Background(), Alert{Level: AlertLevelInfo, Title: "hello", Message: "world"}))
	am.Stop()

	require.Equal(t, 1, ding.count())
	assert.Contains(t, ding.queries[0], "access_token=t")
	assert.Contains(t, ding.queries[0], "timestamp=")
	assert.Contains(t, ding.queries[0], "sign=")
	text := ding.bodies[0]["text"].(map[string]interface{})["content"].(string)
	assert.Contains(t, text, "[INFO] hello")
	assert.Contains(t, text, "world")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := testConfig()
	assert.ErrorContains(t, cfg.Validate(), "no channel")

	cfg.Slack.WebhookURL = "http://example.invalid/hook"
	assert.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Channels(), 1)

	cfg.QueueSize = 0
	assert.Error(t, cfg.Validate())
}
