package models

import "time"

// 在线状态升级级别
// 升级单调推进，收到读数后无条件回到 NONE
const (
	EscalationNone     = "NONE"
	EscalationWarning  = "WARNING"
	EscalationCritical = "CRITICAL"
)

// LivenessRecord 设备在线状态记录
type LivenessRecord struct {
	DeviceID        string
	TenantID        string
	SampleInterval  time.Duration
	LastSeen        time.Time
	Deadline        time.Time // 下次心跳的最迟时刻
	EscalationLevel string
	OpenAlertID     string // 当前未解决报警的ID，空表示无
}

// OfflineAlert 设备离线报警（持久化记录）
type OfflineAlert struct {
	AlertID          string     `json:"alert_id"`
	DeviceID         string     `json:"device_id"`
	TenantID         string     `json:"tenant_id"`
	Level            string     `json:"level"`
	MissedHeartbeats int        `json:"missed_heartbeats"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// AlertEvent 报警事件（发往通知协作方的离散事件）
type AlertEvent struct {
	AlertID          string    `json:"alert_id"`
	DeviceID         string    `json:"device_id"`
	TenantID         string    `json:"tenant_id"`
	Level            string    `json:"level"`
	MissedHeartbeats int       `json:"missed_heartbeats,omitempty"`
	Resolved         bool      `json:"resolved"`
	Timestamp        time.Time `json:"timestamp"`
}
