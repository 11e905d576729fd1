package alertsink

import (
	"context"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/redisutil"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Publisher 报警事件发布器
// 升级和解决事件发到报警流；配置了回调地址时同时 POST 给通知协作方
type Publisher struct {
	redisClient *redis.Client
	stream      string
	httpClient  *resty.Client
	webhookURL  string
	logger      *zap.Logger
}

// NewPublisher 创建报警事件发布器
// webhookURL 为空时只发流不回调
func NewPublisher(redisClient *redis.Client, stream, webhookURL string, logger *zap.Logger) *Publisher {
	var httpClient *resty.Client
	if webhookURL != "" {
		httpClient = resty.New().
			SetTimeout(10*time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(1*time.Second).
			SetRetryMaxWaitTime(5*time.Second).
			SetHeader("Content-Type", "application/json")
	}

	return &Publisher{
		redisClient: redisClient,
		stream:      stream,
		httpClient:  httpClient,
		webhookURL:  webhookURL,
		logger:      logger,
	}
}

// PublishAlert 发布报警事件
func (p *Publisher) PublishAlert(ctx context.Context, event models.AlertEvent) error {
	if _, err := redisutil.PublishJSONToStream(ctx, p.redisClient, p.stream, event); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}

	p.logger.Info("Alert event published",
		zap.String("alert_id", event.AlertID),
		zap.String("device_id", event.DeviceID),
		zap.String("tenant_id", event.TenantID),
		zap.String("level", event.Level),
		zap.Bool("resolved", event.Resolved),
	)

	if p.httpClient == nil {
		return nil
	}

	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetBody(event).
		Post(p.webhookURL)
	if err != nil {
		// 回调失败不影响流投递，通知协作方可以从流补读
		p.logger.Warn("Alert webhook call failed", zap.Error(err))
		return nil
	}
	if resp.IsError() {
		p.logger.Warn("Alert webhook returned error status",
			zap.Int("status", resp.StatusCode()),
		)
	}

	return nil
}
