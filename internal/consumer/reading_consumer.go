package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/redisutil"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReadingHandler 读数事件处理入口（摄取协调器）
type ReadingHandler interface {
	Ingest(ctx context.Context, streamID string, event *models.ReadingEvent) error
}

// ReadingConsumer 入站读数流消费者
// 消息只在对应读数落库后才被确认（由落库方回调 Ack），重启后未确认的
// 消息会被重新投递，配合去重键实现 at-least-once 下的幂等摄取
type ReadingConsumer struct {
	redisClient *redis.Client
	stream      string
	group       string
	consumer    string
	batchSize   int64
	handler     ReadingHandler
	logger      *zap.Logger
}

// NewReadingConsumer 创建读数流消费者
func NewReadingConsumer(
	redisClient *redis.Client,
	stream, group, consumerName string,
	batchSize int64,
	handler ReadingHandler,
	logger *zap.Logger,
) *ReadingConsumer {
	return &ReadingConsumer{
		redisClient: redisClient,
		stream:      stream,
		group:       group,
		consumer:    consumerName,
		batchSize:   batchSize,
		handler:     handler,
		logger:      logger,
	}
}

// SetHandler 注入读数处理入口
// 消费者实现协调器的 Acker，协调器又是消费者的 handler，装配时后注入打破循环
func (c *ReadingConsumer) SetHandler(handler ReadingHandler) {
	c.handler = handler
}

// Ack 确认消息已持久化（实现协调器的 Acker）
func (c *ReadingConsumer) Ack(ctx context.Context, ids ...string) error {
	return redisutil.AckMessages(ctx, c.redisClient, c.stream, c.group, ids...)
}

// Start 启动消费循环
func (c *ReadingConsumer) Start(ctx context.Context) error {
	if err := redisutil.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.stream, err)
	}

	c.logger.Info("Reading consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.consumer),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				c.logger.Error("Failed to consume reading stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避后重试
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

// consumeOnce 读取并处理一批消息
func (c *ReadingConsumer) consumeOnce(ctx context.Context) error {
	messages, err := redisutil.ReadFromStream(ctx, c.redisClient, c.stream, c.group, c.consumer, c.batchSize)
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", c.stream, err)
	}

	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process reading message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			// 继续处理下一条消息，不中断
		}
	}

	return nil
}

// processMessage 处理单条读数消息
// 校验失败和未知设备是永久性失败，重投无意义，直接确认；
// 其余错误（目录回源失败等）保持未确认，等待重投
func (c *ReadingConsumer) processMessage(ctx context.Context, msg redisutil.StreamMessage) error {
	event, err := models.ParseReadingEvent(msg.Values)
	if err != nil {
		if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
			c.logger.Warn("Failed to ack malformed message", zap.Error(ackErr))
		}
		return err
	}

	if err := c.handler.Ingest(ctx, msg.ID, event); err != nil {
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrUnknownDevice) {
			if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
				c.logger.Warn("Failed to ack rejected message", zap.Error(ackErr))
			}
		}
		return err
	}

	// 接受的读数不在这里确认：落库成功后由协调器批量确认
	return nil
}
