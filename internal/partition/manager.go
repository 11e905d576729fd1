package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"farmsense-ingest/internal/models"

	"go.uber.org/zap"
)

// PartitionsRepo 分区元数据仓库
type PartitionsRepo interface {
	ListPartitions(ctx context.Context) ([]models.Partition, error)
	CreatePartition(ctx context.Context, p models.Partition) error
	TransitionState(ctx context.Context, partitionID, fromState, toState string) (bool, error)
	DropPartitionTable(ctx context.Context, partitionID string) error
}

// ReadingsAggregator 分区内读数的汇总计算
type ReadingsAggregator interface {
	AggregatePartition(ctx context.Context, table string) ([]models.Rollup, error)
}

// RollupsWriter 汇总结果写入
type RollupsWriter interface {
	ReplaceForPartition(ctx context.Context, partitionID string, rollups []models.Rollup) error
}

// Manager 分区管理器：唯一有权修改分区集合的组件
// 分区按 UTC 自然日划分，由调度任务提前创建——写入路径上从不创建分区，
// 避免写时竞态；聚合先于驱逐，未聚合的数据永远不会被删除
type Manager struct {
	repo     PartitionsRepo
	readings ReadingsAggregator
	rollups  RollupsWriter
	logger   *zap.Logger

	lookAhead      time.Duration
	aggregateAfter time.Duration
	retention      time.Duration

	now func() time.Time

	mu       sync.RWMutex
	snapshot []models.Partition // 按 Start 升序
}

// NewManager 创建分区管理器
func NewManager(
	repo PartitionsRepo,
	readings ReadingsAggregator,
	rollups RollupsWriter,
	lookAhead, aggregateAfter, retention time.Duration,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		repo:           repo,
		readings:       readings,
		rollups:        rollups,
		logger:         logger,
		lookAhead:      lookAhead,
		aggregateAfter: aggregateAfter,
		retention:      retention,
		now:            time.Now,
	}
}

// PartitionIDFor 时间戳对应的分区表名
func PartitionIDFor(ts time.Time) string {
	return "readings_" + ts.UTC().Format("20060102")
}

// Refresh 从元数据表重建内存快照
func (m *Manager) Refresh(ctx context.Context) error {
	partitions, err := m.repo.ListPartitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh partition snapshot: %w", err)
	}

	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].Start.Before(partitions[j].Start)
	})

	m.mu.Lock()
	m.snapshot = partitions
	m.mu.Unlock()

	return nil
}

// EnsurePartitionsThrough 幂等地创建覆盖到 horizon 的全部分区
// 从已有分区的末尾（或当天）开始逐日补齐，保证范围连续不重叠
func (m *Manager) EnsurePartitionsThrough(ctx context.Context, horizon time.Time) error {
	m.mu.RLock()
	var cursor time.Time
	if len(m.snapshot) > 0 {
		cursor = m.snapshot[len(m.snapshot)-1].End
	}
	m.mu.RUnlock()

	// 空集合从当天开始；已有分区时从其末尾续建，停机跨天也不留缺口
	if cursor.IsZero() {
		cursor = m.now().UTC().Truncate(24 * time.Hour)
	}

	horizonDay := horizon.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	created := false
	for day := cursor; day.Before(horizonDay); day = day.Add(24 * time.Hour) {
		p := models.Partition{
			PartitionID: PartitionIDFor(day),
			Start:       day,
			End:         day.Add(24 * time.Hour),
			State:       models.PartitionOpen,
		}
		if err := m.repo.CreatePartition(ctx, p); err != nil {
			return fmt.Errorf("failed to ensure partition %s: %w", p.PartitionID, err)
		}
		created = true
	}

	if created {
		return m.Refresh(ctx)
	}
	return nil
}

// ResolvePartition 找到覆盖时间戳的分区
// 无分区覆盖或分区已离开 OPEN 状态时返回 models.ErrPartitionUnavailable——
// 写入失败而不是隐式建分区
func (m *Manager) ResolvePartition(ts time.Time) (*models.Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.snapshot), func(i int) bool {
		return m.snapshot[i].End.After(ts)
	})
	if idx >= len(m.snapshot) || !m.snapshot[idx].Covers(ts) {
		return nil, fmt.Errorf("%w: %s", models.ErrPartitionUnavailable, ts.UTC().Format(time.RFC3339))
	}

	p := m.snapshot[idx]
	if p.State != models.PartitionOpen {
		return nil, fmt.Errorf("%w: partition %s is %s", models.ErrPartitionUnavailable, p.PartitionID, p.State)
	}

	return &p, nil
}

// PartitionsCovering 返回与 [from, to) 相交且物理表仍存在的分区
// 查询路径用它做范围裁剪，只扫描真正涉及的分区
func (m *Manager) PartitionsCovering(from, to time.Time) []models.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var covered []models.Partition
	for _, p := range m.snapshot {
		if p.State == models.PartitionDropped {
			continue
		}
		if p.End.After(from) && p.Start.Before(to) {
			covered = append(covered, p)
		}
	}
	return covered
}

// Aggregate 计算分区汇总并推进到 ARCHIVED
// 可安全重复执行：汇总写入是先删后插，重跑产生相同结果且不产生重复行
func (m *Manager) Aggregate(ctx context.Context, partitionID string) error {
	p := m.find(partitionID)
	if p == nil {
		return fmt.Errorf("unknown partition: %s", partitionID)
	}
	if p.State == models.PartitionDropped {
		return fmt.Errorf("partition %s is already dropped", partitionID)
	}

	if p.State == models.PartitionOpen {
		transitioned, err := m.repo.TransitionState(ctx, partitionID, models.PartitionOpen, models.PartitionAggregating)
		if err != nil {
			return err
		}
		// 状态机推进失败说明有并发操作者抢先改了状态，
		// 本地快照已过期，放弃本轮，下次 Refresh 后重试
		if !transitioned {
			return fmt.Errorf("partition %s no longer OPEN, aggregation skipped", partitionID)
		}
	}

	rollups, err := m.readings.AggregatePartition(ctx, partitionID)
	if err != nil {
		return fmt.Errorf("failed to aggregate partition %s: %w", partitionID, err)
	}

	if err := m.rollups.ReplaceForPartition(ctx, partitionID, rollups); err != nil {
		return fmt.Errorf("failed to store rollups for %s: %w", partitionID, err)
	}

	if p.State != models.PartitionArchived {
		transitioned, err := m.repo.TransitionState(ctx, partitionID, models.PartitionAggregating, models.PartitionArchived)
		if err != nil {
			return err
		}
		if !transitioned {
			return fmt.Errorf("partition %s no longer AGGREGATING, archive skipped", partitionID)
		}
	}

	m.logger.Info("Partition aggregated",
		zap.String("partition_id", partitionID),
		zap.Int("rollup_rows", len(rollups)),
	)

	return m.Refresh(ctx)
}

// Evict 永久删除已归档且超出长期保留期的分区
// 未聚合（非 ARCHIVED）的分区拒绝驱逐
func (m *Manager) Evict(ctx context.Context, partitionID string) error {
	p := m.find(partitionID)
	if p == nil {
		return fmt.Errorf("unknown partition: %s", partitionID)
	}
	if p.State != models.PartitionArchived {
		return fmt.Errorf("partition %s is %s, only ARCHIVED partitions can be evicted", partitionID, p.State)
	}

	if err := m.repo.DropPartitionTable(ctx, partitionID); err != nil {
		return err
	}

	return m.Refresh(ctx)
}

// Tick 执行一轮分区生命周期调度：补建 → 聚合 → 驱逐
func (m *Manager) Tick(ctx context.Context) error {
	now := m.now().UTC()

	if err := m.EnsurePartitionsThrough(ctx, now.Add(m.lookAhead)); err != nil {
		return err
	}

	m.mu.RLock()
	candidates := make([]models.Partition, len(m.snapshot))
	copy(candidates, m.snapshot)
	m.mu.RUnlock()

	for _, p := range candidates {
		switch {
		case p.State == models.PartitionOpen && !p.End.After(now.Add(-m.aggregateAfter)):
			if err := m.Aggregate(ctx, p.PartitionID); err != nil {
				m.logger.Error("Failed to aggregate partition",
					zap.String("partition_id", p.PartitionID),
					zap.Error(err),
				)
			}
		case p.State == models.PartitionArchived && !p.End.After(now.Add(-m.retention)):
			if err := m.Evict(ctx, p.PartitionID); err != nil {
				m.logger.Error("Failed to evict partition",
					zap.String("partition_id", p.PartitionID),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

// Run 分区调度循环（独立于摄取热路径的定时任务）
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	// 启动时立即执行一轮，保证写入开始前分区已就绪
	if err := m.Tick(ctx); err != nil {
		m.logger.Error("Partition tick failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("Partition tick failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) find(partitionID string) *models.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.snapshot {
		if m.snapshot[i].PartitionID == partitionID {
			p := m.snapshot[i]
			return &p
		}
	}
	return nil
}
