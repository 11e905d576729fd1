package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"farmsense-ingest/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memPartitionsRepo 内存版分区元数据仓库，模仿 SQL 层的幂等建表和乐观状态迁移
type memPartitionsRepo struct {
	mu         sync.Mutex
	partitions map[string]models.Partition
	created    int
	dropped    []string
}

func newMemPartitionsRepo() *memPartitionsRepo {
	return &memPartitionsRepo{partitions: make(map[string]models.Partition)}
}

func (m *memPartitionsRepo) ListPartitions(_ context.Context) ([]models.Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPartitionsRepo) CreatePartition(_ context.Context, p models.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.partitions[p.PartitionID]; exists {
		return nil // ON CONFLICT DO NOTHING
	}
	m.partitions[p.PartitionID] = p
	m.created++
	return nil
}

func (m *memPartitionsRepo) TransitionState(_ context.Context, partitionID, fromState, toState string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partitionID]
	if !ok || p.State != fromState {
		return false, nil
	}
	p.State = toState
	m.partitions[partitionID] = p
	return true, nil
}

func (m *memPartitionsRepo) DropPartitionTable(_ context.Context, partitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partitionID]
	if !ok {
		return fmt.Errorf("unknown partition: %s", partitionID)
	}
	if p.State != models.PartitionArchived {
		return fmt.Errorf("partition %s is %s, refusing to drop", partitionID, p.State)
	}
	p.State = models.PartitionDropped
	m.partitions[partitionID] = p
	m.dropped = append(m.dropped, partitionID)
	return nil
}

type memAggregator struct {
	rollupsByTable map[string][]models.Rollup
	err            error
	calls          int
}

func (m *memAggregator) AggregatePartition(_ context.Context, table string) ([]models.Rollup, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.rollupsByTable[table], nil
}

type memRollupsWriter struct {
	mu       sync.Mutex
	byTable  map[string][]models.Rollup
	replaces int
}

func newMemRollupsWriter() *memRollupsWriter {
	return &memRollupsWriter{byTable: make(map[string][]models.Rollup)}
}

func (m *memRollupsWriter) ReplaceForPartition(_ context.Context, partitionID string, rollups []models.Rollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTable[partitionID] = rollups // 先删后插的幂等语义
	m.replaces++
	return nil
}

func newTestManager(now time.Time) (*Manager, *memPartitionsRepo, *memAggregator, *memRollupsWriter) {
	repo := newMemPartitionsRepo()
	agg := &memAggregator{rollupsByTable: make(map[string][]models.Rollup)}
	rollups := newMemRollupsWriter()
	m := NewManager(repo, agg, rollups,
		72*time.Hour,    // lookAhead
		7*24*time.Hour,  // aggregateAfter
		90*24*time.Hour, // retention
		zap.NewNop(),
	)
	m.now = func() time.Time { return now }
	return m, repo, agg, rollups
}

func TestPartitionIDFor(t *testing.T) {
	ts := time.Date(2026, 8, 26, 23, 59, 59, 0, time.FixedZone("CST", 8*3600))
	// 表名按 UTC 日期推导，2026-08-26 23:59 CST 是 UTC 的 8 月 26 日 15:59
	assert.Equal(t, "readings_20260826", PartitionIDFor(ts))
}

func TestManager_EnsurePartitionsContiguousAndIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, _, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now.Add(72*time.Hour)))

	// 当天 + 后面 3 天
	assert.Equal(t, 4, repo.created)

	parts := m.PartitionsCovering(now.Add(-24*time.Hour), now.Add(96*time.Hour))
	require.Len(t, parts, 4)
	for i := 1; i < len(parts); i++ {
		// 连续不重叠：上一分区的结束恰好是下一分区的开始
		assert.True(t, parts[i].Start.Equal(parts[i-1].End),
			"gap between %s and %s", parts[i-1].PartitionID, parts[i].PartitionID)
	}

	// 重复执行不再建新分区
	require.NoError(t, m.EnsurePartitionsThrough(ctx, now.Add(72*time.Hour)))
	assert.Equal(t, 4, repo.created)
}

func TestManager_EnsureFillsGapAfterDowntime(t *testing.T) {
	// 调度停摆数日后恢复：从已有分区末尾续建，不留缺口
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, _, _ := newTestManager(now)
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreatePartition(ctx, models.Partition{
		PartitionID: PartitionIDFor(day),
		Start:       day,
		End:         day.Add(24 * time.Hour),
		State:       models.PartitionOpen,
	}))
	require.NoError(t, m.Refresh(ctx))

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now))

	// 8/21 到 8/26 共 6 个补建分区，与 8/20 连续
	parts := m.PartitionsCovering(day, now.Add(24*time.Hour))
	require.Len(t, parts, 7)
	for i := 1; i < len(parts); i++ {
		assert.True(t, parts[i].Start.Equal(parts[i-1].End))
	}
}

func TestManager_ResolvePartition(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, _, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now.Add(24*time.Hour)))

	p, err := m.ResolvePartition(now)
	require.NoError(t, err)
	assert.Equal(t, "readings_20260826", p.PartitionID)
	assert.True(t, p.Covers(now))

	// 无分区覆盖的历史时间戳
	_, err = m.ResolvePartition(now.Add(-30 * 24 * time.Hour))
	assert.ErrorIs(t, err, models.ErrPartitionUnavailable)

	// 已离开 OPEN 状态的分区拒绝解析
	_, err = repo.TransitionState(ctx, "readings_20260826", models.PartitionOpen, models.PartitionAggregating)
	require.NoError(t, err)
	require.NoError(t, m.Refresh(ctx))
	_, err = m.ResolvePartition(now)
	assert.ErrorIs(t, err, models.ErrPartitionUnavailable)
}

func TestManager_AggregateIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, agg, rollups := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now))
	pid := "readings_20260826"

	agg.rollupsByTable[pid] = []models.Rollup{
		{PartitionID: pid, TenantID: "tenant-a", DeviceID: "green-01",
			BucketStart: now.Truncate(time.Hour), Metric: "soil_moisture",
			MinValue: 30, MaxValue: 50, AvgValue: 40, SampleCount: 60},
	}

	require.NoError(t, m.Aggregate(ctx, pid))
	assert.Len(t, rollups.byTable[pid], 1)
	assert.Equal(t, models.PartitionArchived, repo.partitions[pid].State)

	// 聚合与归档之间崩溃后的重跑：结果相同，不产生重复行
	_, err := repo.TransitionState(ctx, pid, models.PartitionArchived, models.PartitionAggregating)
	require.NoError(t, err)
	require.NoError(t, m.Refresh(ctx))

	require.NoError(t, m.Aggregate(ctx, pid))
	assert.Len(t, rollups.byTable[pid], 1)
	assert.Equal(t, models.PartitionArchived, repo.partitions[pid].State)
	assert.Equal(t, 2, agg.calls)
}

func TestManager_AggregateFailureLeavesPartitionUnarchived(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, agg, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now))
	pid := "readings_20260826"

	agg.err = errors.New("query timeout")
	require.Error(t, m.Aggregate(ctx, pid))

	// 留在 AGGREGATING，下一轮调度重试；绝不会被驱逐
	assert.Equal(t, models.PartitionAggregating, repo.partitions[pid].State)
	require.NoError(t, m.Refresh(ctx))
	assert.Error(t, m.Evict(ctx, pid))
}

func TestManager_AggregateAbortsWhenStateChangedConcurrently(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, agg, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now))
	pid := "readings_20260826"

	// 另一个实例抢先完成了整个聚合流程，本地快照仍然是 OPEN
	transitioned, err := repo.TransitionState(ctx, pid, models.PartitionOpen, models.PartitionAggregating)
	require.NoError(t, err)
	require.True(t, transitioned)
	transitioned, err = repo.TransitionState(ctx, pid, models.PartitionAggregating, models.PartitionArchived)
	require.NoError(t, err)
	require.True(t, transitioned)

	// 过期快照驱动的聚合必须放弃，不能对已归档的分区重算汇总
	err = m.Aggregate(ctx, pid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer OPEN")
	assert.Equal(t, 0, agg.calls)
	assert.Equal(t, models.PartitionArchived, repo.partitions[pid].State)
}

func TestManager_EvictRequiresArchived(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, _, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, m.EnsurePartitionsThrough(ctx, now))
	pid := "readings_20260826"

	err := m.Evict(ctx, pid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVED")
	assert.Empty(t, repo.dropped)

	require.NoError(t, m.Aggregate(ctx, pid))
	require.NoError(t, m.Evict(ctx, pid))
	assert.Equal(t, []string{pid}, repo.dropped)

	// 已删除的分区从查询覆盖中消失
	assert.Empty(t, m.PartitionsCovering(now.Add(-24*time.Hour), now.Add(24*time.Hour)))
}

func TestManager_TickDrivesFullLifecycle(t *testing.T) {
	// 一个 8 天前的 OPEN 分区和一个 100 天前的 ARCHIVED 分区：
	// 单轮调度聚合前者、驱逐后者，并补齐未来分区
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	m, repo, agg, rollups := newTestManager(now)
	ctx := context.Background()

	stale := now.Add(-8 * 24 * time.Hour).Truncate(24 * time.Hour)
	ancient := now.Add(-100 * 24 * time.Hour).Truncate(24 * time.Hour)
	for _, p := range []models.Partition{
		{PartitionID: PartitionIDFor(stale), Start: stale, End: stale.Add(24 * time.Hour), State: models.PartitionOpen},
		{PartitionID: PartitionIDFor(ancient), Start: ancient, End: ancient.Add(24 * time.Hour), State: models.PartitionArchived},
	} {
		require.NoError(t, repo.CreatePartition(ctx, p))
	}
	require.NoError(t, m.Refresh(ctx))

	require.NoError(t, m.Tick(ctx))

	assert.Equal(t, models.PartitionArchived, repo.partitions[PartitionIDFor(stale)].State)
	assert.Equal(t, 1, agg.calls)
	assert.Equal(t, 1, rollups.replaces)
	assert.Equal(t, []string{PartitionIDFor(ancient)}, repo.dropped)

	// 看板期内的未来分区已就绪
	_, err := m.ResolvePartition(now.Add(48 * time.Hour))
	assert.NoError(t, err)
}
