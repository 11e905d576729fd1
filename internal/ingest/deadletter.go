package ingest

import (
	"context"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/redisutil"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DeadLetterEntry 死信记录
type DeadLetterEntry struct {
	Reason   string                `json:"reason"`
	Readings []models.ReadingEvent `json:"readings"`
	FailedAt time.Time             `json:"failed_at"`
}

// DeadLetterPublisher 死信发布器
// 重试耗尽的批次进入死信流，向运维告警路径暴露而不是静默丢弃
type DeadLetterPublisher struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

// NewDeadLetterPublisher 创建死信发布器
func NewDeadLetterPublisher(redisClient *redis.Client, stream string, logger *zap.Logger) *DeadLetterPublisher {
	return &DeadLetterPublisher{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// PublishDeadLetter 发布死信批次
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, reason string, readings []models.Reading) error {
	events := make([]models.ReadingEvent, 0, len(readings))
	for _, reading := range readings {
		events = append(events, models.ReadingEvent{
			DeviceID:  reading.DeviceID,
			Timestamp: reading.Timestamp.Unix(),
			Metrics:   reading.Metrics,
			Metadata:  reading.Metadata,
		})
	}

	entry := DeadLetterEntry{
		Reason:   reason,
		Readings: events,
		FailedAt: time.Now(),
	}

	if _, err := redisutil.PublishJSONToStream(ctx, p.redisClient, p.stream, entry); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	p.logger.Error("Batch dead-lettered",
		zap.String("reason", reason),
		zap.Int("readings", len(readings)),
	)

	return nil
}
