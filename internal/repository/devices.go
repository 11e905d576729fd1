package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"

	"go.uber.org/zap"
)

// DevicesRepository 设备档案仓库
type DevicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDevicesRepository 创建设备档案仓库
func NewDevicesRepository(db *sql.DB, logger *zap.Logger) *DevicesRepository {
	return &DevicesRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevice 根据 device_id 获取设备档案
// 设备不存在时返回 models.ErrUnknownDevice
func (r *DevicesRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, tenant_id, sample_interval_minutes, active, last_seen
		FROM devices
		WHERE device_id = $1
	`

	var d models.Device
	var intervalMinutes int
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID, &d.TenantID, &intervalMinutes, &d.Active, &lastSeen,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownDevice, deviceID)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	d.SampleInterval = time.Duration(intervalMinutes) * time.Minute
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}

	return &d, nil
}

// UpsertDevice 创建或更新设备档案（来自开通事件）
func (r *DevicesRepository) UpsertDevice(ctx context.Context, deviceID, tenantID string, sampleIntervalMinutes int) error {
	query := `
		INSERT INTO devices (device_id, tenant_id, sample_interval_minutes, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (device_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			sample_interval_minutes = EXCLUDED.sample_interval_minutes,
			active = true
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, tenantID, sampleIntervalMinutes); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// DeactivateDevice 软停用设备（被读数引用的设备不允许物理删除）
func (r *DevicesRepository) DeactivateDevice(ctx context.Context, deviceID string) error {
	query := `UPDATE devices SET active = false WHERE device_id = $1`

	if _, err := r.db.ExecContext(ctx, query, deviceID); err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}

	return nil
}

// UpdateLastSeen 更新设备的最后读数时间
func (r *DevicesRepository) UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	query := `
		UPDATE devices
		SET last_seen = GREATEST(COALESCE(last_seen, $2), $2)
		WHERE device_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, ts); err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}

	return nil
}

// ListActiveDevices 列出所有激活设备（服务启动时初始化在线状态追踪用）
func (r *DevicesRepository) ListActiveDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT device_id, tenant_id, sample_interval_minutes, active, last_seen
		FROM devices
		WHERE active = true
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var intervalMinutes int
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.DeviceID, &d.TenantID, &intervalMinutes, &d.Active, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.SampleInterval = time.Duration(intervalMinutes) * time.Minute
		if lastSeen.Valid {
			d.LastSeen = &lastSeen.Time
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}
