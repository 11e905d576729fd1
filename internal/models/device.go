package models

import "time"

// Device 设备档案（来自开通事件，租户归属的唯一依据）
type Device struct {
	DeviceID       string        `json:"device_id"`
	TenantID       string        `json:"tenant_id"`
	SampleInterval time.Duration `json:"-"` // 设备申报的采样间隔
	Active         bool          `json:"active"`
	LastSeen       *time.Time    `json:"last_seen,omitempty"`
}

// ProvisioningEvent 设备开通事件（来自身份/管理协作方）
type ProvisioningEvent struct {
	Action                string `json:"action"` // "upsert" 或 "deactivate"
	DeviceID              string `json:"device_id"`
	TenantID              string `json:"tenant_id"`
	SampleIntervalMinutes int    `json:"sample_interval_minutes"`
}

// 开通事件动作
const (
	ProvisionUpsert     = "upsert"
	ProvisionDeactivate = "deactivate"
)
