package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"

	"go.uber.org/zap"
)

// AlertsRepository 离线报警仓库
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建离线报警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertAlert 创建新的离线报警
func (r *AlertsRepository) InsertAlert(ctx context.Context, alert models.OfflineAlert) error {
	query := `
		INSERT INTO offline_alerts (
			alert_id, device_id, tenant_id, level, missed_heartbeats, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := r.db.ExecContext(ctx, query,
		alert.AlertID, alert.DeviceID, alert.TenantID, alert.Level, alert.MissedHeartbeats, alert.TriggeredAt,
	); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// EscalateAlert 将未解决报警升级到新级别并更新漏报计数
func (r *AlertsRepository) EscalateAlert(ctx context.Context, alertID, level string, missedHeartbeats int) error {
	query := `
		UPDATE offline_alerts
		SET level = $2, missed_heartbeats = $3
		WHERE alert_id = $1 AND resolved_at IS NULL
	`

	if _, err := r.db.ExecContext(ctx, query, alertID, level, missedHeartbeats); err != nil {
		return fmt.Errorf("failed to escalate alert: %w", err)
	}

	return nil
}

// ResolveAlert 标记报警已解决
// 幂等：返回 true 表示本次调用完成了解决动作，false 表示报警早已解决
// 重复读数触发的重复解决不会产生第二条解决记录
func (r *AlertsRepository) ResolveAlert(ctx context.Context, alertID string, at time.Time) (bool, error) {
	query := `
		UPDATE offline_alerts
		SET resolved_at = $2
		WHERE alert_id = $1 AND resolved_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, alertID, at)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// GetOpenAlert 获取设备当前未解决的报警
// 没有未解决报警时返回 (nil, nil)
func (r *AlertsRepository) GetOpenAlert(ctx context.Context, deviceID string) (*models.OfflineAlert, error) {
	query := `
		SELECT alert_id, device_id, tenant_id, level, missed_heartbeats, triggered_at, resolved_at
		FROM offline_alerts
		WHERE device_id = $1 AND resolved_at IS NULL
		ORDER BY triggered_at DESC
		LIMIT 1
	`

	var alert models.OfflineAlert
	var resolvedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&alert.AlertID, &alert.DeviceID, &alert.TenantID, &alert.Level,
		&alert.MissedHeartbeats, &alert.TriggeredAt, &resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open alert: %w", err)
	}

	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}

	return &alert, nil
}
