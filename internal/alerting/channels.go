package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SlackConfig represents Slack configuration
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"-"`
	Channel    string `yaml:"channel" json:"channel"`
	Username   string `yaml:"username" json:"username"`
	IconEmoji  string `yaml:"icon_emoji" json:"icon_emoji"`
}

// DingTalkConfig represents DingTalk configuration
type DingTalkConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"-"`
	Secret     string `yaml:"secret" json:"-"`
}

// WebhookConfig posts the alert as JSON to an arbitrary endpoint
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"-"`
	Headers map[string]string `yaml:"headers" json:"-"`
}

// postJSON posts payload and expects a 2xx response
func postJSON(ctx context.Context, client *http.Client, target string, headers map[string]string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func textContent(alert *Alert) string {
	return fmt.Sprintf("[%s] %s\n\n%s\n\nSource: %s\nTime: %s",
		strings.ToUpper(string(alert.Level)), alert.Title, alert.Message, alert.Source, alert.Timestamp.Format(time.RFC3339))
}

// SlackChannel represents Slack alert channel
type SlackChannel struct {
	config SlackConfig
	client *http.Client
}

// NewSlackChannel creates a new Slack alert channel
func NewSlackChannel(config SlackConfig, timeout time.Duration) *SlackChannel {
	return &SlackChannel{config: config, client: &http.Client{Timeout: timeout}}
}

// Send sends an alert via Slack
func (slc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, slc.client, slc.config.WebhookURL, nil, slc.buildSlackMessage(alert))
}

// GetName returns the channel name
func (slc *SlackChannel) GetName() string { return "slack" }

// buildSlackMessage builds the Slack message
func (slc *SlackChannel) buildSlackMessage(alert *Alert) map[string]interface{} {
	color := "#36a64f" // Green for info
	switch alert.Level {
	case AlertLevelWarning:
		color = "#ff9500" // Orange
	case AlertLevelError:
		color = "#ff0000" // Red
	}

	return map[string]interface{}{
		"channel":    slc.config.Channel,
		"username":   slc.config.Username,
		"icon_emoji": slc.config.IconEmoji,
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"title": alert.Title,
				"text":  alert.Message,
				"fields": []map[string]interface{}{
					{"title": "Level", "value": strings.ToUpper(string(alert.Level)), "short": true},
					{"title": "Source", "value": alert.Source, "short": true},
					{"title": "Time", "value": alert.Timestamp.Format(time.RFC3339), "short": false},
				},
			},
		},
	}
}

// DingTalkChannel represents DingTalk alert channel
type DingTalkChannel struct {
	config DingTalkConfig
	client *http.Client
}

// NewDingTalkChannel creates a new DingTalk alert channel
func NewDingTalkChannel(config DingTalkConfig, timeout time.Duration) *DingTalkChannel {
	return &DingTalkChannel{config: config, client: &http.Client{Timeout: timeout}}
}

// Send sends an alert via DingTalk. With a secret the request is signed.
func (dtc *DingTalkChannel) Send(ctx context.Context, alert *Alert) error {
	webhookURL := dtc.config.WebhookURL
	if dtc.config.Secret != "" {
		timestamp := time.Now().UnixMilli()
		webhookURL = fmt.Sprintf("%s&timestamp=%d&sign=%s", webhookURL, timestamp, generateSignature(timestamp, dtc.config.Secret))
	}

	message := map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": textContent(alert)},
	}
	return postJSON(ctx, dtc.client, webhookURL, nil, message)
}

// GetName returns the channel name
func (dtc *DingTalkChannel) GetName() string { return "dingtalk" }

// generateSignature generates DingTalk signature
func generateSignature(timestamp int64, secret string) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, secret)
	hash := hmac.New(sha256.New, []byte(secret))
	hash.Write([]byte(stringToSign))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(hash.Sum(nil)))
}

// WebhookChannel posts the alert itself as JSON
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a new generic webhook channel
func NewWebhookChannel(config WebhookConfig, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{config: config, client: &http.Client{Timeout: timeout}}
}

// Send posts the alert
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, wc.client, wc.config.URL, wc.config.Headers, alert)
}

// GetName returns the channel name
func (wc *WebhookChannel) GetName() string { return "webhook" }
