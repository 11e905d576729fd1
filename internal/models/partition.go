package models

import "time"

// 分区生命周期状态
// OPEN → AGGREGATING → ARCHIVED → DROPPED，状态单向推进
const (
	PartitionOpen        = "OPEN"
	PartitionAggregating = "AGGREGATING"
	PartitionArchived    = "ARCHIVED"
	PartitionDropped     = "DROPPED"
)

// Partition 读数存储的时间分区，覆盖半开区间 [Start, End)
// 分区由调度任务提前创建，全历史范围内连续且不重叠
type Partition struct {
	PartitionID string // 物理表名，如 "readings_20260826"
	Start       time.Time
	End         time.Time
	State       string
}

// Covers 判断时间戳是否落在本分区范围内
func (p *Partition) Covers(ts time.Time) bool {
	return !ts.Before(p.Start) && ts.Before(p.End)
}

// Rollup 分区聚合产物（按设备按小时的指标汇总）
type Rollup struct {
	PartitionID string
	TenantID    string
	DeviceID    string
	BucketStart time.Time
	Metric      string
	MinValue    float64
	MaxValue    float64
	AvgValue    float64
	SampleCount int64
}
