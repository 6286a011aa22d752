// Package notify 将流水线结果发布到MQTT
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/orchestrator"
)

// Client MQTT客户端中用到的部分
type Client interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Message 发布的结果消息
type Message struct {
	DatasetID   string             `json:"dataset_id"`
	PoolK       int                `json:"pool_k,omitempty"`
	Runs        []model.RunSummary `json:"runs"`
	Comparison  map[string]float64 `json:"comparison,omitempty"`
	Failure     string             `json:"failure,omitempty"`
	PublishedAt time.Time          `json:"published_at"`
}

// NewMessage 从流水线结果构造消息
func NewMessage(result *orchestrator.Result) Message {
	msg := Message{
		DatasetID:   result.DatasetID,
		Runs:        result.Summaries(),
		Comparison:  result.Comparison,
		Failure:     result.Failure,
		PublishedAt: time.Now().UTC(),
	}
	if result.Pool != nil {
		msg.PoolK = result.Pool.K
	}
	return msg
}

// MQTTReporter 结果通知，实现 orchestrator.Reporter
type MQTTReporter struct {
	client  Client
	topic   string
	qos     byte
	retries int
	backoff time.Duration
}

// Connect 连接MQTT代理并创建通知器
func Connect(cfg config.MQTTConfig) (*MQTTReporter, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT连接断开")
	}

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("连接MQTT代理失败: %w", token.Error())
	}
	logger.Info().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Msg("MQTT已连接")
	return NewMQTTReporter(client, cfg), nil
}

// NewMQTTReporter 使用已有客户端创建通知器
func NewMQTTReporter(client Client, cfg config.MQTTConfig) *MQTTReporter {
	wait := time.Duration(cfg.BackoffMS) * time.Millisecond
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	return &MQTTReporter{
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		retries: cfg.Retries,
		backoff: wait,
	}
}

// Topic 数据集对应的主题
func (r *MQTTReporter) Topic(datasetID string) string {
	return r.topic + "/" + datasetID
}

// Report 发布流水线结果，失败时按退避重试
func (r *MQTTReporter) Report(ctx context.Context, result *orchestrator.Result) error {
	payload, err := json.Marshal(NewMessage(result))
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	topic := r.Topic(result.DatasetID)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.backoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(r.retries, 0))), ctx)

	op := func() error {
		token := r.client.Publish(topic, r.qos, false, payload)
		token.Wait()
		return token.Error()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("topic", topic).Dur("retry_in", wait).Msg("发布结果失败，准备重试")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("发布结果到 %s 失败: %w", topic, err)
	}

	logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("结果已发布")
	return nil
}

// Close 断开连接
func (r *MQTTReporter) Close() {
	if r.client.IsConnected() {
		r.client.Disconnect(250)
	}
}
