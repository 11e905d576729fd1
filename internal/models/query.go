package models

import "time"

// QueryFilter 读数查询条件
// 时间范围为半开区间 [From, To)，DeviceIDs 为空表示租户下全部设备
type QueryFilter struct {
	DeviceIDs []string
	From      time.Time
	To        time.Time
	Limit     int
}

// RollupFilter 聚合查询条件
type RollupFilter struct {
	DeviceIDs []string
	From      time.Time
	To        time.Time
	Metric    string // 空表示全部指标
}
