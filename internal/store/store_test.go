package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCatalog 设备归属的内存判定
type fakeCatalog struct {
	owners map[string]string // device_id → tenant_id
}

func (f *fakeCatalog) IsOwnedBy(_ context.Context, deviceID, tenantID string) (bool, error) {
	owner, ok := f.owners[deviceID]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrUnknownDevice, deviceID)
	}
	return owner == tenantID, nil
}

// fakePartitions 固定的单日分区集合
type fakePartitions struct {
	partitions []models.Partition
}

func (f *fakePartitions) ResolvePartition(ts time.Time) (*models.Partition, error) {
	for _, p := range f.partitions {
		if p.Covers(ts) && p.State == models.PartitionOpen {
			out := p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrPartitionUnavailable, ts.UTC().Format(time.RFC3339))
}

func (f *fakePartitions) PartitionsCovering(from, to time.Time) []models.Partition {
	var out []models.Partition
	for _, p := range f.partitions {
		if p.State != models.PartitionDropped && p.End.After(from) && p.Start.Before(to) {
			out = append(out, p)
		}
	}
	return out
}

// fakeReadingsRepo 模仿分区表的 ON CONFLICT DO NOTHING 语义和租户 JOIN
type fakeReadingsRepo struct {
	owners map[string]string
	tables map[string]map[string]models.Reading // table → dedup key → reading
}

func newFakeReadingsRepo(owners map[string]string) *fakeReadingsRepo {
	return &fakeReadingsRepo{owners: owners, tables: make(map[string]map[string]models.Reading)}
}

func (f *fakeReadingsRepo) InsertBatch(_ context.Context, table string, readings []models.Reading) (int64, error) {
	rows, ok := f.tables[table]
	if !ok {
		rows = make(map[string]models.Reading)
		f.tables[table] = rows
	}
	var inserted int64
	for _, r := range readings {
		if _, dup := rows[r.DedupKey()]; dup {
			continue
		}
		rows[r.DedupKey()] = r
		inserted++
	}
	return inserted, nil
}

func (f *fakeReadingsRepo) QueryPartition(_ context.Context, table, tenantID string, filter models.QueryFilter) ([]models.Reading, error) {
	var out []models.Reading
	for _, r := range f.tables[table] {
		// JOIN devices ON tenant_id 的内存等价
		if f.owners[r.DeviceID] != tenantID {
			continue
		}
		if r.Timestamp.Before(filter.From) || !r.Timestamp.Before(filter.To) {
			continue
		}
		if len(filter.DeviceIDs) > 0 {
			match := false
			for _, id := range filter.DeviceIDs {
				if id == r.DeviceID {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

type fakeRollupsRepo struct {
	rollups []models.Rollup
}

func (f *fakeRollupsRepo) QueryRollups(_ context.Context, tenantID string, _ models.RollupFilter) ([]models.Rollup, error) {
	var out []models.Rollup
	for _, r := range f.rollups {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func dayPartition(day time.Time, state string) models.Partition {
	day = day.UTC().Truncate(24 * time.Hour)
	return models.Partition{
		PartitionID: "readings_" + day.Format("20060102"),
		Start:       day,
		End:         day.Add(24 * time.Hour),
		State:       state,
	}
}

func newTestStore() (*store.Store, *fakeReadingsRepo, time.Time) {
	owners := map[string]string{
		"green-01": "tenant-a",
		"green-02": "tenant-a",
		"barn-01":  "tenant-b",
	}
	day := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	partitions := &fakePartitions{partitions: []models.Partition{
		dayPartition(day, models.PartitionOpen),
		dayPartition(day.Add(24*time.Hour), models.PartitionOpen),
	}}
	readings := newFakeReadingsRepo(owners)
	rollups := &fakeRollupsRepo{rollups: []models.Rollup{
		{PartitionID: "readings_20260826", TenantID: "tenant-a", DeviceID: "green-01", Metric: "soil_moisture"},
		{PartitionID: "readings_20260826", TenantID: "tenant-b", DeviceID: "barn-01", Metric: "temperature"},
	}}
	s := store.NewStore(&fakeCatalog{owners: owners}, partitions, readings, rollups, zap.NewNop())
	return s, readings, day
}

func reading(deviceID, tenantID string, ts time.Time) models.Reading {
	return models.Reading{
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Timestamp: ts,
		Metrics:   map[string]float64{"soil_moisture": 40},
	}
}

func TestStore_WriteBatchRoutesAcrossPartitions(t *testing.T) {
	s, repo, day := newTestStore()
	ctx := context.Background()

	result, err := s.WriteBatch(ctx, "tenant-a", []models.Reading{
		reading("green-01", "tenant-a", day.Add(10*time.Hour)),
		reading("green-01", "tenant-a", day.Add(30*time.Hour)), // 次日分区
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Inserted)
	assert.Len(t, repo.tables["readings_20260826"], 1)
	assert.Len(t, repo.tables["readings_20260827"], 1)
}

func TestStore_WriteBatchRejectsForeignDevice(t *testing.T) {
	s, repo, day := newTestStore()
	ctx := context.Background()

	// barn-01 属于 tenant-b，以 tenant-a 身份写入整批失败
	_, err := s.WriteBatch(ctx, "tenant-a", []models.Reading{
		reading("green-01", "tenant-a", day.Add(time.Hour)),
		reading("barn-01", "tenant-a", day.Add(time.Hour)),
	})
	assert.ErrorIs(t, err, models.ErrIsolationViolation)

	// 归属校验先于一切写入，连合法读数也不落库
	assert.Empty(t, repo.tables)
}

func TestStore_WriteBatchRequiresTenant(t *testing.T) {
	s, _, day := newTestStore()
	_, err := s.WriteBatch(context.Background(), "", []models.Reading{
		reading("green-01", "tenant-a", day),
	})
	assert.Error(t, err)
}

func TestStore_DuplicateWritesAreIdempotent(t *testing.T) {
	s, repo, day := newTestStore()
	ctx := context.Background()
	r := reading("green-01", "tenant-a", day.Add(time.Hour))

	first, err := s.WriteBatch(ctx, "tenant-a", []models.Reading{r})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Inserted)

	second, err := s.WriteBatch(ctx, "tenant-a", []models.Reading{r})
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Inserted)
	assert.Equal(t, int64(1), second.Duplicates)
	assert.Len(t, repo.tables["readings_20260826"], 1)
}

func TestStore_UncoveredTimestampsReturnedAsUnavailable(t *testing.T) {
	s, repo, day := newTestStore()
	ctx := context.Background()

	result, err := s.WriteBatch(ctx, "tenant-a", []models.Reading{
		reading("green-01", "tenant-a", day.Add(time.Hour)),
		reading("green-01", "tenant-a", day.Add(-30*24*time.Hour)), // 远古时间戳
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	require.Len(t, result.Unavailable, 1)
	assert.Equal(t, day.Add(-30*24*time.Hour), result.Unavailable[0].Timestamp)
	assert.Len(t, repo.tables["readings_20260826"], 1)
}

func TestStore_QueryIsTenantScoped(t *testing.T) {
	s, _, day := newTestStore()
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, "tenant-a", []models.Reading{
		reading("green-01", "tenant-a", day.Add(time.Hour)),
		reading("green-02", "tenant-a", day.Add(2*time.Hour)),
	})
	require.NoError(t, err)
	_, err = s.WriteBatch(ctx, "tenant-b", []models.Reading{
		reading("barn-01", "tenant-b", day.Add(time.Hour)),
	})
	require.NoError(t, err)

	filter := models.QueryFilter{From: day, To: day.Add(24 * time.Hour)}

	mine, err := s.Query(ctx, "tenant-a", filter)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, r := range mine {
		assert.Equal(t, "tenant-a", r.TenantID)
	}

	// 请求他人设备：空结果，不是错误
	foreign, err := s.Query(ctx, "tenant-b", models.QueryFilter{
		DeviceIDs: []string{"green-01"},
		From:      day,
		To:        day.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, foreign)
}

func TestStore_QueryHonorsLimitAcrossPartitions(t *testing.T) {
	s, _, day := newTestStore()
	ctx := context.Background()

	var batch []models.Reading
	for i := 0; i < 5; i++ {
		batch = append(batch, reading("green-01", "tenant-a", day.Add(time.Duration(i*10)*time.Hour)))
	}
	_, err := s.WriteBatch(ctx, "tenant-a", batch)
	require.NoError(t, err)

	results, err := s.Query(ctx, "tenant-a", models.QueryFilter{
		From:  day,
		To:    day.Add(48 * time.Hour),
		Limit: 3,
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestStore_QueryRollupsIsTenantScoped(t *testing.T) {
	s, _, day := newTestStore()
	ctx := context.Background()

	rollups, err := s.QueryRollups(ctx, "tenant-a", models.RollupFilter{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, "green-01", rollups[0].DeviceID)

	_, err = s.QueryRollups(ctx, "", models.RollupFilter{})
	assert.Error(t, err)
}
