package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DeviceSource 设备档案的权威数据源
type DeviceSource interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// Catalog 租户目录：设备 → 租户归属的唯一判定入口
// 读多写少，Redis 缓存 + Postgres 回源；开通事件到达时先失效缓存再更新档案，
// 避免设备被归到错误租户的陈旧读窗口
type Catalog struct {
	devices DeviceSource
	redis   *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCatalog 创建租户目录
func NewCatalog(devices DeviceSource, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *Catalog {
	return &Catalog{
		devices: devices,
		redis:   redisClient,
		ttl:     ttl,
		logger:  logger,
	}
}

// cacheEntry 缓存中的设备归属信息
type cacheEntry struct {
	TenantID              string `json:"tenant_id"`
	SampleIntervalMinutes int    `json:"sample_interval_minutes"`
	Active                bool   `json:"active"`
}

func cacheKey(deviceID string) string {
	return "catalog:device:" + deviceID
}

// ResolveTenant 解析设备的归属租户
// 未知或已停用设备返回 models.ErrUnknownDevice——调用方必须硬拒绝，
// 绝不允许退化为"默认租户"
func (c *Catalog) ResolveTenant(ctx context.Context, deviceID string) (string, error) {
	entry, err := c.lookup(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if !entry.Active {
		return "", fmt.Errorf("%w: %s is deactivated", models.ErrUnknownDevice, deviceID)
	}
	return entry.TenantID, nil
}

// IsOwnedBy 判断设备是否归属指定租户
func (c *Catalog) IsOwnedBy(ctx context.Context, deviceID, tenantID string) (bool, error) {
	resolved, err := c.ResolveTenant(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return resolved == tenantID, nil
}

// GetDevice 获取设备档案（租户、采样间隔、激活状态）
func (c *Catalog) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	entry, err := c.lookup(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &models.Device{
		DeviceID:       deviceID,
		TenantID:       entry.TenantID,
		SampleInterval: time.Duration(entry.SampleIntervalMinutes) * time.Minute,
		Active:         entry.Active,
	}, nil
}

// Invalidate 失效设备的缓存条目（开通事件处理时调用）
func (c *Catalog) Invalidate(ctx context.Context, deviceID string) error {
	if err := c.redis.Del(ctx, cacheKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate catalog cache: %w", err)
	}
	return nil
}

// lookup 缓存优先的档案读取，miss 时回源并回填
func (c *Catalog) lookup(ctx context.Context, deviceID string) (*cacheEntry, error) {
	key := cacheKey(deviceID)

	val, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var entry cacheEntry
		if err := json.Unmarshal([]byte(val), &entry); err == nil {
			return &entry, nil
		}
		// 缓存值损坏时当作 miss 回源
		c.logger.Warn("Corrupt catalog cache entry, falling back to DB",
			zap.String("device_id", deviceID),
		)
	} else if err != redis.Nil {
		// Redis 故障不阻断解析，直接回源
		c.logger.Warn("Catalog cache unavailable, falling back to DB", zap.Error(err))
	}

	device, err := c.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	entry := &cacheEntry{
		TenantID:              device.TenantID,
		SampleIntervalMinutes: int(device.SampleInterval / time.Minute),
		Active:                device.Active,
	}

	jsonData, err := json.Marshal(entry)
	if err == nil {
		if err := c.redis.Set(ctx, key, jsonData, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to populate catalog cache", zap.Error(err))
		}
	}

	return entry, nil
}
