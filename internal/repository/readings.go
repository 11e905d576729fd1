package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"farmsense-ingest/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ReadingsRepository 读数仓库（操作分区物理表）
// 所有查询都带租户归属谓词，这是隔离边界的存储层实现
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch 批量写入读数到指定分区表
// 去重键冲突由 ON CONFLICT DO NOTHING 吸收，返回实际插入的行数
func (r *ReadingsRepository) InsertBatch(ctx context.Context, table string, readings []models.Reading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	if !partitionTablePattern.MatchString(table) {
		return 0, fmt.Errorf("invalid partition table name: %s", table)
	}

	placeholders := make([]string, 0, len(readings))
	args := make([]interface{}, 0, len(readings)*5)
	for i, reading := range readings {
		base := i * 5
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))

		metricsJSON, err := json.Marshal(reading.Metrics)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		var metadataJSON interface{}
		if len(reading.Metadata) > 0 {
			b, err := json.Marshal(reading.Metadata)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			metadataJSON = b
		}

		args = append(args, reading.DeviceID, reading.TenantID, reading.Timestamp, metricsJSON, metadataJSON)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (device_id, tenant_id, ts, metrics, metadata)
		VALUES %s
		ON CONFLICT (device_id, ts) DO NOTHING
	`, table, strings.Join(placeholders, ", "))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return inserted, nil
}

// QueryPartition 查询单个分区表内的读数
// tenant_id 谓词通过 JOIN devices 强制施加：设备归属与声明租户不一致的行不会返回
func (r *ReadingsRepository) QueryPartition(ctx context.Context, table, tenantID string, filter models.QueryFilter) ([]models.Reading, error) {
	if !partitionTablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid partition table name: %s", table)
	}
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := fmt.Sprintf(`
		SELECT r.device_id, r.tenant_id, r.ts, r.metrics, r.metadata
		FROM %s r
		JOIN devices d ON d.device_id = r.device_id AND d.tenant_id = $1
		WHERE r.ts >= $2 AND r.ts < $3
	`, table)

	args := []interface{}{tenantID, filter.From, filter.To}
	if len(filter.DeviceIDs) > 0 {
		query += fmt.Sprintf(" AND r.device_id = ANY($%d)", len(args)+1)
		args = append(args, pq.Array(filter.DeviceIDs))
	}
	query += " ORDER BY r.ts"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", table, err)
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var reading models.Reading
		var metricsRaw []byte
		var metadataRaw []byte
		if err := rows.Scan(&reading.DeviceID, &reading.TenantID, &reading.Timestamp, &metricsRaw, &metadataRaw); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if err := json.Unmarshal(metricsRaw, &reading.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &reading.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		readings = append(readings, reading)
	}

	return readings, rows.Err()
}

// AggregatePartition 计算分区的按设备按小时指标汇总
// 聚合在数据库内完成（jsonb_each_text 展开指标键值）
func (r *ReadingsRepository) AggregatePartition(ctx context.Context, table string) ([]models.Rollup, error) {
	if !partitionTablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid partition table name: %s", table)
	}

	query := fmt.Sprintf(`
		SELECT r.tenant_id,
		       r.device_id,
		       date_trunc('hour', r.ts) AS bucket_start,
		       m.key AS metric,
		       MIN(m.value::float8),
		       MAX(m.value::float8),
		       AVG(m.value::float8),
		       COUNT(*)
		FROM %s r, jsonb_each_text(r.metrics) m
		GROUP BY r.tenant_id, r.device_id, bucket_start, m.key
		ORDER BY bucket_start, r.device_id, m.key
	`, table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate partition %s: %w", table, err)
	}
	defer rows.Close()

	var rollups []models.Rollup
	for rows.Next() {
		rollup := models.Rollup{PartitionID: table}
		if err := rows.Scan(
			&rollup.TenantID, &rollup.DeviceID, &rollup.BucketStart, &rollup.Metric,
			&rollup.MinValue, &rollup.MaxValue, &rollup.AvgValue, &rollup.SampleCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		rollups = append(rollups, rollup)
	}

	return rollups, rows.Err()
}
