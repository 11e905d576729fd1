package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/redisutil"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DeviceProvisioner 设备档案写入
type DeviceProvisioner interface {
	UpsertDevice(ctx context.Context, deviceID, tenantID string, sampleIntervalMinutes int) error
	DeactivateDevice(ctx context.Context, deviceID string) error
}

// CatalogInvalidator 租户目录缓存失效
type CatalogInvalidator interface {
	Invalidate(ctx context.Context, deviceID string) error
}

// LivenessRegistry 在线状态追踪的设备注册表
type LivenessRegistry interface {
	Register(device models.Device)
	Unregister(deviceID string)
}

// ProvisioningConsumer 设备开通事件流消费者
// 租户目录的唯一写入来源；缓存失效采用双删（更新前后各删一次），
// 不留设备被归到错误租户的陈旧读窗口
type ProvisioningConsumer struct {
	redisClient *redis.Client
	stream      string
	group       string
	consumer    string
	batchSize   int64
	devices     DeviceProvisioner
	catalog     CatalogInvalidator
	registry    LivenessRegistry
	logger      *zap.Logger
}

// NewProvisioningConsumer 创建开通事件消费者
func NewProvisioningConsumer(
	redisClient *redis.Client,
	stream, group, consumerName string,
	batchSize int64,
	devices DeviceProvisioner,
	catalog CatalogInvalidator,
	registry LivenessRegistry,
	logger *zap.Logger,
) *ProvisioningConsumer {
	return &ProvisioningConsumer{
		redisClient: redisClient,
		stream:      stream,
		group:       group,
		consumer:    consumerName,
		batchSize:   batchSize,
		devices:     devices,
		catalog:     catalog,
		registry:    registry,
		logger:      logger,
	}
}

// Start 启动消费循环
func (c *ProvisioningConsumer) Start(ctx context.Context) error {
	if err := redisutil.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.stream, err)
	}

	c.logger.Info("Provisioning consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				c.logger.Error("Failed to consume provisioning stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

func (c *ProvisioningConsumer) consumeOnce(ctx context.Context) error {
	messages, err := redisutil.ReadFromStream(ctx, c.redisClient, c.stream, c.group, c.consumer, c.batchSize)
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", c.stream, err)
	}

	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process provisioning event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := redisutil.AckMessages(ctx, c.redisClient, c.stream, c.group, msg.ID); err != nil {
			c.logger.Warn("Failed to ack provisioning event", zap.Error(err))
		}
	}

	return nil
}

// processMessage 处理单条开通事件
func (c *ProvisioningConsumer) processMessage(ctx context.Context, msg redisutil.StreamMessage) error {
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("provisioning event missing data field")
	}

	var event models.ProvisioningEvent
	if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
		return fmt.Errorf("failed to parse provisioning event: %w", err)
	}
	if event.DeviceID == "" {
		return fmt.Errorf("provisioning event missing device_id")
	}

	// 第一次删：让并发读从档案表回源
	if err := c.catalog.Invalidate(ctx, event.DeviceID); err != nil {
		return err
	}

	switch event.Action {
	case models.ProvisionUpsert:
		if event.TenantID == "" || event.SampleIntervalMinutes <= 0 {
			return fmt.Errorf("invalid provisioning event for device %s", event.DeviceID)
		}
		if err := c.devices.UpsertDevice(ctx, event.DeviceID, event.TenantID, event.SampleIntervalMinutes); err != nil {
			return err
		}
		c.registry.Register(models.Device{
			DeviceID:       event.DeviceID,
			TenantID:       event.TenantID,
			SampleInterval: time.Duration(event.SampleIntervalMinutes) * time.Minute,
			Active:         true,
		})
	case models.ProvisionDeactivate:
		if err := c.devices.DeactivateDevice(ctx, event.DeviceID); err != nil {
			return err
		}
		c.registry.Unregister(event.DeviceID)
	default:
		return fmt.Errorf("unknown provisioning action: %s", event.Action)
	}

	// 第二次删：清掉更新期间可能回填的旧值
	if err := c.catalog.Invalidate(ctx, event.DeviceID); err != nil {
		return err
	}

	c.logger.Info("Provisioning event applied",
		zap.String("action", event.Action),
		zap.String("device_id", event.DeviceID),
		zap.String("tenant_id", event.TenantID),
	)

	return nil
}
