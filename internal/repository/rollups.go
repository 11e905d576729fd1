package repository

import (
	"context"
	"database/sql"
	"fmt"

	"farmsense-ingest/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// RollupsRepository 聚合汇总仓库
type RollupsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRollupsRepository 创建聚合汇总仓库
func NewRollupsRepository(db *sql.DB, logger *zap.Logger) *RollupsRepository {
	return &RollupsRepository{
		db:     db,
		logger: logger,
	}
}

// ReplaceForPartition 原子替换某分区的全部汇总行
// 先删后插在同一事务内完成，使聚合操作可以安全地重复执行
func (r *RollupsRepository) ReplaceForPartition(ctx context.Context, partitionID string, rollups []models.Rollup) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reading_rollups WHERE partition_id = $1`, partitionID); err != nil {
		return fmt.Errorf("failed to delete existing rollups: %w", err)
	}

	insert := `
		INSERT INTO reading_rollups (
			partition_id, tenant_id, device_id, bucket_start, metric,
			min_value, max_value, avg_value, sample_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for _, rollup := range rollups {
		if _, err := tx.ExecContext(ctx, insert,
			partitionID, rollup.TenantID, rollup.DeviceID, rollup.BucketStart, rollup.Metric,
			rollup.MinValue, rollup.MaxValue, rollup.AvgValue, rollup.SampleCount,
		); err != nil {
			return fmt.Errorf("failed to insert rollup: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollups: %w", err)
	}

	r.logger.Info("Rollups replaced",
		zap.String("partition_id", partitionID),
		zap.Int("count", len(rollups)),
	)

	return nil
}

// QueryRollups 查询汇总数据
// 租户谓词双重施加：过滤 tenant_id 列并要求设备当前归属该租户
func (r *RollupsRepository) QueryRollups(ctx context.Context, tenantID string, filter models.RollupFilter) ([]models.Rollup, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT rr.partition_id, rr.tenant_id, rr.device_id, rr.bucket_start, rr.metric,
		       rr.min_value, rr.max_value, rr.avg_value, rr.sample_count
		FROM reading_rollups rr
		WHERE rr.tenant_id = $1
		  AND EXISTS (
			SELECT 1 FROM devices d
			WHERE d.device_id = rr.device_id AND d.tenant_id = $1
		  )
		  AND rr.bucket_start >= $2 AND rr.bucket_start < $3
	`

	args := []interface{}{tenantID, filter.From, filter.To}
	if len(filter.DeviceIDs) > 0 {
		query += fmt.Sprintf(" AND rr.device_id = ANY($%d)", len(args)+1)
		args = append(args, pq.Array(filter.DeviceIDs))
	}
	if filter.Metric != "" {
		query += fmt.Sprintf(" AND rr.metric = $%d", len(args)+1)
		args = append(args, filter.Metric)
	}
	query += " ORDER BY rr.bucket_start, rr.device_id, rr.metric"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	var rollups []models.Rollup
	for rows.Next() {
		var rollup models.Rollup
		if err := rows.Scan(
			&rollup.PartitionID, &rollup.TenantID, &rollup.DeviceID, &rollup.BucketStart, &rollup.Metric,
			&rollup.MinValue, &rollup.MaxValue, &rollup.AvgValue, &rollup.SampleCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		rollups = append(rollups, rollup)
	}

	return rollups, rows.Err()
}
