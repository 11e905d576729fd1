package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	"farmsense-ingest/internal/models"
	mqttclient "farmsense-ingest/internal/mqtt"
	"farmsense-ingest/internal/redisutil"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// MQTTIngress MQTT 接入适配器
// 订阅设备上报主题，把负载归一化后投递到读数流——传输层与摄取核心解耦，
// 核心管线只认识标准化读数事件
type MQTTIngress struct {
	mqttClient  *mqttclient.Client
	redisClient *redis.Client
	topic       string
	qos         byte
	stream      string
	logger      *zap.Logger
}

// NewMQTTIngress 创建 MQTT 接入适配器
func NewMQTTIngress(
	mqttClient *mqttclient.Client,
	redisClient *redis.Client,
	topic string,
	qos byte,
	stream string,
	logger *zap.Logger,
) *MQTTIngress {
	return &MQTTIngress{
		mqttClient:  mqttClient,
		redisClient: redisClient,
		topic:       topic,
		qos:         qos,
		stream:      stream,
		logger:      logger,
	}
}

// Start 订阅设备主题
func (i *MQTTIngress) Start(ctx context.Context) error {
	if err := i.mqttClient.Subscribe(i.topic, i.qos, func(topic string, payload []byte) error {
		return i.handleMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to device topic: %w", err)
	}

	i.logger.Info("MQTT ingress started",
		zap.String("topic", i.topic),
		zap.String("stream", i.stream),
	)

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (i *MQTTIngress) Stop(ctx context.Context) error {
	if err := i.mqttClient.Unsubscribe(i.topic); err != nil {
		i.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	i.logger.Info("MQTT ingress stopped")
	return nil
}

// handleMessage 归一化设备负载并投递到读数流
func (i *MQTTIngress) handleMessage(ctx context.Context, topic string, payload []byte) error {
	var event models.ReadingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to parse device payload on %s: %w", topic, err)
	}

	if _, err := redisutil.PublishJSONToStream(ctx, i.redisClient, i.stream, event); err != nil {
		return fmt.Errorf("failed to publish reading to stream: %w", err)
	}

	return nil
}
