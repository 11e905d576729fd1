package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"farmsense-ingest/internal/models"

	"go.uber.org/zap"
)

// 分区表名必须符合固定格式，避免拼接 SQL 时引入非法标识符
var partitionTablePattern = regexp.MustCompile(`^readings_[0-9]{8}$`)

// PartitionsRepository 分区元数据与物理分区表仓库
// 分区集合只允许分区管理器修改，其余组件只读
type PartitionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPartitionsRepository 创建分区仓库
func NewPartitionsRepository(db *sql.DB, logger *zap.Logger) *PartitionsRepository {
	return &PartitionsRepository{
		db:     db,
		logger: logger,
	}
}

// ListPartitions 按时间顺序列出全部分区元数据
func (r *PartitionsRepository) ListPartitions(ctx context.Context) ([]models.Partition, error) {
	query := `
		SELECT partition_id, start_ts, end_ts, state
		FROM partitions
		ORDER BY start_ts
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.PartitionID, &p.Start, &p.End, &p.State); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}

	return partitions, rows.Err()
}

// CreatePartition 创建分区：物理表 + 元数据行，同一事务内完成
// 幂等：分区已存在时不做任何修改
func (r *PartitionsRepository) CreatePartition(ctx context.Context, p models.Partition) error {
	if !partitionTablePattern.MatchString(p.PartitionID) {
		return fmt.Errorf("invalid partition table name: %s", p.PartitionID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// 去重键 (device_id, ts) 作为主键，重复写入由 ON CONFLICT 吸收
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			device_id text NOT NULL,
			tenant_id text NOT NULL,
			ts timestamptz NOT NULL,
			metrics jsonb NOT NULL,
			metadata jsonb,
			PRIMARY KEY (device_id, ts)
		)
	`, p.PartitionID)

	if _, err := tx.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create partition table %s: %w", p.PartitionID, err)
	}

	insertMeta := `
		INSERT INTO partitions (partition_id, start_ts, end_ts, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (partition_id) DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, insertMeta, p.PartitionID, p.Start, p.End, models.PartitionOpen); err != nil {
		return fmt.Errorf("failed to insert partition metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit partition creation: %w", err)
	}

	r.logger.Info("Partition created",
		zap.String("partition_id", p.PartitionID),
		zap.Time("start", p.Start),
		zap.Time("end", p.End),
	)

	return nil
}

// TransitionState 推进分区状态（带前置状态检查的乐观更新）
// 返回 false 表示分区不在期望的前置状态，转移未发生
func (r *PartitionsRepository) TransitionState(ctx context.Context, partitionID, fromState, toState string) (bool, error) {
	query := `UPDATE partitions SET state = $3 WHERE partition_id = $1 AND state = $2`

	res, err := r.db.ExecContext(ctx, query, partitionID, fromState, toState)
	if err != nil {
		return false, fmt.Errorf("failed to transition partition state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// DropPartitionTable 物理删除已归档分区的数据表，元数据行保留为 DROPPED
// 调用方必须保证分区已完成聚合（ARCHIVED 状态）
func (r *PartitionsRepository) DropPartitionTable(ctx context.Context, partitionID string) error {
	if !partitionTablePattern.MatchString(partitionID) {
		return fmt.Errorf("invalid partition table name: %s", partitionID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	updateMeta := `UPDATE partitions SET state = $2 WHERE partition_id = $1 AND state = $3`
	res, err := tx.ExecContext(ctx, updateMeta, partitionID, models.PartitionDropped, models.PartitionArchived)
	if err != nil {
		return fmt.Errorf("failed to mark partition dropped: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("partition %s is not ARCHIVED, refusing to drop", partitionID)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", partitionID)); err != nil {
		return fmt.Errorf("failed to drop partition table %s: %w", partitionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit partition drop: %w", err)
	}

	r.logger.Info("Partition dropped", zap.String("partition_id", partitionID))

	return nil
}
