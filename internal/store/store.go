package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"

	"go.uber.org/zap"
)

// TenantCatalog 租户归属判定
type TenantCatalog interface {
	IsOwnedBy(ctx context.Context, deviceID, tenantID string) (bool, error)
}

// PartitionResolver 分区定位（只读，分区集合归分区管理器所有）
type PartitionResolver interface {
	ResolvePartition(ts time.Time) (*models.Partition, error)
	PartitionsCovering(from, to time.Time) []models.Partition
}

// ReadingsRepo 分区表读写
type ReadingsRepo interface {
	InsertBatch(ctx context.Context, table string, readings []models.Reading) (int64, error)
	QueryPartition(ctx context.Context, table, tenantID string, filter models.QueryFilter) ([]models.Reading, error)
}

// RollupsRepo 汇总查询
type RollupsRepo interface {
	QueryRollups(ctx context.Context, tenantID string, filter models.RollupFilter) ([]models.Rollup, error)
}

// WriteResult 批量写入结果
type WriteResult struct {
	Inserted    int64
	Duplicates  int64
	Unavailable []models.Reading // 无分区覆盖的读数，调用方放入有界重试缓冲
}

// Store 租户隔离存储：读数读写的唯一门面
// 隔离在本层强制执行而不是依赖调用方自觉——即使上游鉴权有缺陷，
// 任何代码路径都无法返回不属于声明租户的读数。写入前重新校验设备归属，
// 即使协调器已经检查过（纵深防御）
type Store struct {
	catalog    TenantCatalog
	partitions PartitionResolver
	readings   ReadingsRepo
	rollups    RollupsRepo
	logger     *zap.Logger
}

// NewStore 创建租户隔离存储
func NewStore(
	catalog TenantCatalog,
	partitions PartitionResolver,
	readings ReadingsRepo,
	rollups RollupsRepo,
	logger *zap.Logger,
) *Store {
	return &Store{
		catalog:    catalog,
		partitions: partitions,
		readings:   readings,
		rollups:    rollups,
		logger:     logger,
	}
}

// WriteBatch 以租户身份批量写入读数
// 任一读数的设备归属与声明租户不符时整批失败（ErrIsolationViolation，
// 不重试不降级）；去重键冲突是幂等空操作，计入 Duplicates 而不是错误；
// 无分区覆盖的读数收进 Unavailable 由调用方短暂重试
func (s *Store) WriteBatch(ctx context.Context, tenantID string, readings []models.Reading) (WriteResult, error) {
	var result WriteResult
	if tenantID == "" {
		return result, fmt.Errorf("tenant_id is required")
	}

	// 归属校验先于一切写入
	for _, reading := range readings {
		owned, err := s.catalog.IsOwnedBy(ctx, reading.DeviceID, tenantID)
		if err != nil {
			if errors.Is(err, models.ErrUnknownDevice) {
				return result, err
			}
			return result, fmt.Errorf("failed to verify device ownership: %w", err)
		}
		if !owned {
			// 安全相关事件：声明租户与设备实际归属不一致
			s.logger.Error("Tenant isolation violation attempt on write",
				zap.String("claimed_tenant", tenantID),
				zap.String("device_id", reading.DeviceID),
			)
			return result, fmt.Errorf("%w: device %s does not belong to tenant %s",
				models.ErrIsolationViolation, reading.DeviceID, tenantID)
		}
	}

	// 按分区分组
	byPartition := make(map[string][]models.Reading)
	for _, reading := range readings {
		p, err := s.partitions.ResolvePartition(reading.Timestamp)
		if err != nil {
			if errors.Is(err, models.ErrPartitionUnavailable) {
				result.Unavailable = append(result.Unavailable, reading)
				continue
			}
			return result, err
		}
		byPartition[p.PartitionID] = append(byPartition[p.PartitionID], reading)
	}

	for table, group := range byPartition {
		inserted, err := s.readings.InsertBatch(ctx, table, group)
		if err != nil {
			return result, err
		}
		result.Inserted += inserted
		result.Duplicates += int64(len(group)) - inserted
	}

	return result, nil
}

// Write 单条写入（批量失败后的逐条降级路径）
func (s *Store) Write(ctx context.Context, tenantID string, reading models.Reading) (WriteResult, error) {
	return s.WriteBatch(ctx, tenantID, []models.Reading{reading})
}

// Query 以租户身份查询读数
// 结果永远与"该租户拥有的设备"求交集；请求他人设备得到空结果，
// 不是部分结果也不是错误
func (s *Store) Query(ctx context.Context, tenantID string, filter models.QueryFilter) ([]models.Reading, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	partitions := s.partitions.PartitionsCovering(filter.From, filter.To)

	var results []models.Reading
	for _, p := range partitions {
		remaining := filter
		if filter.Limit > 0 {
			remaining.Limit = filter.Limit - len(results)
			if remaining.Limit <= 0 {
				break
			}
		}
		readings, err := s.readings.QueryPartition(ctx, p.PartitionID, tenantID, remaining)
		if err != nil {
			return nil, err
		}
		results = append(results, readings...)
	}

	return results, nil
}

// QueryRollups 以租户身份查询聚合汇总
// 汇总查询同样经过租户谓词——隔离不因数据形态改变而松动
func (s *Store) QueryRollups(ctx context.Context, tenantID string, filter models.RollupFilter) ([]models.Rollup, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	return s.rollups.QueryRollups(ctx, tenantID, filter)
}
