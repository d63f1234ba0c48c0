package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qsim/internal/logger"
)

// AlertLevel represents alert level
type AlertLevel string

const (
	AlertLevelInfo    AlertLevel = "info"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelError   AlertLevel = "error"
)

// Alert represents an alert
type Alert struct {
	ID        string                 `json:"id"`
	Level     AlertLevel             `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AlertChannel delivers alerts to one destination
type AlertChannel interface {
	Send(ctx context.Context, alert *Alert) error
	GetName() string
}

// Recorder receives the outcome of every delivery attempt
type Recorder interface {
	RecordAlert(channel string, err error)
}

// Config represents alert configuration
type Config struct {
	Enabled       bool           `yaml:"enabled" json:"enabled"`
	RetryCount    int            `yaml:"retry_count" json:"retry_count"`
	RetryInterval time.Duration  `yaml:"retry_interval" json:"retry_interval"`
	Timeout       time.Duration  `yaml:"timeout" json:"timeout"`
	QueueSize     int            `yaml:"queue_size" json:"queue_size"`
	Slack         SlackConfig    `yaml:"slack" json:"slack"`
	DingTalk      DingTalkConfig `yaml:"dingtalk" json:"dingtalk"`
	Webhook       WebhookConfig  `yaml:"webhook" json:"webhook"`
}

// DefaultConfig returns a disabled configuration with retry defaults
func DefaultConfig() Config {
	return Config{
		RetryCount:    3,
		RetryInterval: 5 * time.Second,
		Timeout:       10 * time.Second,
		QueueSize:     100,
	}
}

// Validate checks that an enabled configuration has a usable channel
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RetryCount < 0 || c.QueueSize <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("retry_count must not be negative, queue_size and timeout must be positive")
	}
	if len(c.Channels()) == 0 {
		return fmt.Errorf("alerting is enabled but no channel has a webhook url")
	}
	return nil
}

// Channels builds every channel with a webhook url
func (c Config) Channels() []AlertChannel {
	var channels []AlertChannel
	if c.Slack.WebhookURL != "" {
		channels = append(channels, NewSlackChannel(c.Slack, c.Timeout))
	}
	if c.DingTalk.WebhookURL != "" {
		channels = append(channels, NewDingTalkChannel(c.DingTalk, c.Timeout))
	}
	if c.Webhook.URL != "" {
		channels = append(channels, NewWebhookChannel(c.Webhook, c.Timeout))
	}
	return channels
}

// AlertManager queues alerts and delivers them to every registered channel
// from a single worker
type AlertManager struct {
	config   Config
	recorder Recorder
	logger   logger.Logger

	channels map[string]AlertChannel
	mu       sync.RWMutex

	alertCh chan *Alert
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAlertManager creates a new alert manager. recorder may be nil.
func NewAlertManager(config Config, recorder Recorder, l logger.Logger) *AlertManager {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &AlertManager{
		config:   config,
		recorder: recorder,
		logger:   logger.OrGlobal(l).WithField("component", "alerting"),
		channels: make(map[string]AlertChannel),
		alertCh:  make(chan *Alert, config.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// NewFromConfig creates a manager with every configured channel registered
func NewFromConfig(config Config, recorder Recorder, l logger.Logger) *AlertManager {
	am := NewAlertManager(config, recorder, l)
	for _, ch := range config.Channels() {
		am.RegisterChannel(ch)
	}
	return am
}

// Start starts the delivery worker
func (am *AlertManager) Start() {
	am.wg.Add(1)
	go am.alertWorker()
}

// Stop delivers the queued alerts and stops the worker
func (am *AlertManager) Stop() {
	am.once.Do(func() { close(am.stopCh) })
	am.wg.Wait()
}

// RegisterChannel registers an alert channel
func (am *AlertManager) RegisterChannel(channel AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels[channel.GetName()] = channel
}

// SendAlert queues an alert; it never blocks on delivery
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	select {
	case am.alertCh <- &alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("alert queue is full")
	}
}

// alertWorker processes alerts until stopped, then drains the queue
func (am *AlertManager) alertWorker() {
	defer am.wg.Done()
	for {
		select {
		case alert := <-am.alertCh:
			am.processAlert(alert)
		case <-am.stopCh:
			for {
				select {
				case alert := <-am.alertCh:
					am.processAlert(alert)
				default:
					return
				}
			}
		}
	}
}

// processAlert sends alert to every channel with retry
func (am *AlertManager) processAlert(alert *Alert) {
	am.mu.RLock()
	channels := make([]AlertChannel, 0, len(am.channels))
	for _, ch := range am.channels {
		channels = append(channels, ch)
	}
	am.mu.RUnlock()

	for _, channel := range channels {
		var err error
	retry:
		for i := 0; ; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), am.config.Timeout)
			err = channel.Send(ctx, alert)
			cancel()
			if err == nil || i >= am.config.RetryCount {
				break
			}
			// 停止时放弃剩余重试
			select {
			case <-time.After(am.config.RetryInterval):
			case <-am.stopCh:
				break retry
			}
		}

		if am.recorder != nil {
			am.recorder.RecordAlert(channel.GetName(), err)
		}
		if err != nil {
			am.logger.Error("Failed to send alert", "channel", channel.GetName(), "alert", alert.ID, "error", err)
		}
	}
}
