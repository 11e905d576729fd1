package liveness

import (
	"context"
	"sync"
	"time"

	"farmsense-ingest/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertsRepo 离线报警持久化
type AlertsRepo interface {
	InsertAlert(ctx context.Context, alert models.OfflineAlert) error
	EscalateAlert(ctx context.Context, alertID, level string, missedHeartbeats int) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time) (bool, error)
}

// AlertSink 报警事件输出（通知协作方）
type AlertSink interface {
	PublishAlert(ctx context.Context, event models.AlertEvent) error
}

// Tracker 设备在线状态追踪器
// 每台设备一个状态机：ONLINE →（超时）→ WARNING →（再超时）→ CRITICAL →（收到读数）→ ONLINE
// 超时阈值 = lastSeen + 采样间隔 × 宽限倍数，按设备推导——
// 取代固定阈值方案，消除长采样间隔设备的误报
type Tracker struct {
	alerts AlertsRepo
	sink   AlertSink
	grace  float64
	logger *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	records map[string]*models.LivenessRecord
}

// NewTracker 创建在线状态追踪器
// graceMultiplier 必须 >= 2（配置加载时已校验）
func NewTracker(alerts AlertsRepo, sink AlertSink, graceMultiplier float64, logger *zap.Logger) *Tracker {
	return &Tracker{
		alerts:  alerts,
		sink:    sink,
		grace:   graceMultiplier,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*models.LivenessRecord),
	}
}

// graceWindow 单级升级的超时窗口
func (t *Tracker) graceWindow(interval time.Duration) time.Duration {
	return time.Duration(float64(interval) * t.grace)
}

// Register 注册设备（服务启动加载或开通事件触发）
// 已注册的设备只更新采样间隔，不打断进行中的升级
func (t *Tracker) Register(device models.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[device.DeviceID]; ok {
		rec.SampleInterval = device.SampleInterval
		rec.TenantID = device.TenantID
		return
	}

	lastSeen := t.now()
	if device.LastSeen != nil {
		lastSeen = *device.LastSeen
	}

	t.records[device.DeviceID] = &models.LivenessRecord{
		DeviceID:        device.DeviceID,
		TenantID:        device.TenantID,
		SampleInterval:  device.SampleInterval,
		LastSeen:        lastSeen,
		Deadline:        lastSeen.Add(t.graceWindow(device.SampleInterval)),
		EscalationLevel: models.EscalationNone,
	}
}

// Restore 重启后恢复设备的在线状态
// lastSeen 取持久化的 last_seen 而不是进程启动时间，停机期间到期的设备
// 在首轮扫描就会升级；有未解决报警的设备接回原报警行继续升级/解决
func (t *Tracker) Restore(device models.Device, openAlert *models.OfflineAlert) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lastSeen := t.now()
	if device.LastSeen != nil {
		lastSeen = *device.LastSeen
	}

	rec := &models.LivenessRecord{
		DeviceID:        device.DeviceID,
		TenantID:        device.TenantID,
		SampleInterval:  device.SampleInterval,
		LastSeen:        lastSeen,
		Deadline:        lastSeen.Add(t.graceWindow(device.SampleInterval)),
		EscalationLevel: models.EscalationNone,
	}
	if openAlert != nil {
		rec.EscalationLevel = openAlert.Level
		rec.OpenAlertID = openAlert.AlertID
		if openAlert.Level == models.EscalationWarning {
			rec.Deadline = lastSeen.Add(2 * t.graceWindow(device.SampleInterval))
		}
	}
	t.records[device.DeviceID] = rec
}

// Unregister 移除设备（设备停用时调用）
func (t *Tracker) Unregister(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, deviceID)
}

// Touch 收到读数：无条件回到 ONLINE，解决未关闭的报警（恰好一次）
// 重复读数不会重复解决已解决的报警，也不会产生第二条解决记录
func (t *Tracker) Touch(ctx context.Context, deviceID, tenantID string, sampleInterval time.Duration, ts time.Time) {
	t.mu.Lock()
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &models.LivenessRecord{
			DeviceID:       deviceID,
			TenantID:       tenantID,
			SampleInterval: sampleInterval,
		}
		t.records[deviceID] = rec
	}
	if ts.After(rec.LastSeen) {
		rec.LastSeen = ts
	}
	rec.SampleInterval = sampleInterval
	rec.Deadline = rec.LastSeen.Add(t.graceWindow(sampleInterval))
	rec.EscalationLevel = models.EscalationNone

	// 锁内摘下未解决报警的ID，并发的重复读数只有一个能拿到
	openAlertID := rec.OpenAlertID
	rec.OpenAlertID = ""
	t.mu.Unlock()

	if openAlertID == "" {
		return
	}

	resolved, err := t.alerts.ResolveAlert(ctx, openAlertID, t.now())
	if err != nil {
		t.logger.Error("Failed to resolve offline alert",
			zap.String("alert_id", openAlertID),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	if !resolved {
		// 报警早已解决，保持幂等，不再发事件
		return
	}

	event := models.AlertEvent{
		AlertID:   openAlertID,
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Level:     models.EscalationNone,
		Resolved:  true,
		Timestamp: t.now(),
	}
	if err := t.sink.PublishAlert(ctx, event); err != nil {
		t.logger.Warn("Failed to publish alert resolution", zap.Error(err))
	}

	t.logger.Info("Device back online, alert resolved",
		zap.String("device_id", deviceID),
		zap.String("alert_id", openAlertID),
	)
}

// Sweep 巡检所有超过截止时间的设备并推进升级
// 每次巡检最多推进一级，即使两个截止时间都已过去——
// 漏报次数单独按 floor((now-lastSeen)/interval) 计算用于报警文案
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	var due []models.LivenessRecord
	for _, rec := range t.records {
		if rec.EscalationLevel == models.EscalationCritical {
			continue
		}
		if !now.Before(rec.Deadline) {
			due = append(due, *rec)
		}
	}
	t.mu.Unlock()

	for _, snapshot := range due {
		t.escalate(ctx, snapshot, now)
	}
}

// escalate 对单台设备推进一级升级
func (t *Tracker) escalate(ctx context.Context, snapshot models.LivenessRecord, now time.Time) {
	missed := 0
	if snapshot.SampleInterval > 0 {
		missed = int(now.Sub(snapshot.LastSeen) / snapshot.SampleInterval)
	}

	var nextLevel string
	var alertID string

	switch snapshot.EscalationLevel {
	case models.EscalationNone:
		nextLevel = models.EscalationWarning
		alertID = uuid.New().String()
		alert := models.OfflineAlert{
			AlertID:          alertID,
			DeviceID:         snapshot.DeviceID,
			TenantID:         snapshot.TenantID,
			Level:            nextLevel,
			MissedHeartbeats: missed,
			TriggeredAt:      now,
		}
		if err := t.alerts.InsertAlert(ctx, alert); err != nil {
			t.logger.Error("Failed to insert offline alert",
				zap.String("device_id", snapshot.DeviceID),
				zap.Error(err),
			)
			return
		}
	case models.EscalationWarning:
		nextLevel = models.EscalationCritical
		alertID = snapshot.OpenAlertID
		if err := t.alerts.EscalateAlert(ctx, alertID, nextLevel, missed); err != nil {
			t.logger.Error("Failed to escalate offline alert",
				zap.String("device_id", snapshot.DeviceID),
				zap.Error(err),
			)
			return
		}
	default:
		return
	}

	// 持久化成功后才推进内存状态；期间有新读数到达则放弃本次升级
	t.mu.Lock()
	rec, ok := t.records[snapshot.DeviceID]
	if !ok || !rec.LastSeen.Equal(snapshot.LastSeen) || rec.EscalationLevel != snapshot.EscalationLevel {
		t.mu.Unlock()
		// 升级期间设备已恢复：刚插入的报警行没有被内存状态引用，
		// 不会再被 Touch 解决，立即解决掉，不留永久未解决的孤儿行
		if snapshot.EscalationLevel == models.EscalationNone {
			if _, err := t.alerts.ResolveAlert(ctx, alertID, now); err != nil {
				t.logger.Error("Failed to resolve superseded offline alert",
					zap.String("device_id", snapshot.DeviceID),
					zap.String("alert_id", alertID),
					zap.Error(err),
				)
			}
		}
		return
	}
	rec.EscalationLevel = nextLevel
	rec.OpenAlertID = alertID
	// 下一级截止时间仍以 lastSeen 为基准：WARNING 在 S×G，CRITICAL 在 2×S×G
	rec.Deadline = rec.LastSeen.Add(2 * t.graceWindow(rec.SampleInterval))
	t.mu.Unlock()

	event := models.AlertEvent{
		AlertID:          alertID,
		DeviceID:         snapshot.DeviceID,
		TenantID:         snapshot.TenantID,
		Level:            nextLevel,
		MissedHeartbeats: missed,
		Resolved:         false,
		Timestamp:        now,
	}
	if err := t.sink.PublishAlert(ctx, event); err != nil {
		t.logger.Warn("Failed to publish alert escalation", zap.Error(err))
	}

	t.logger.Info("Device liveness escalated",
		zap.String("device_id", snapshot.DeviceID),
		zap.String("level", nextLevel),
		zap.Int("missed_heartbeats", missed),
	)
}

// State 读取设备当前状态（副本）
func (t *Tracker) State(deviceID string) (models.LivenessRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[deviceID]
	if !ok {
		return models.LivenessRecord{}, false
	}
	return *rec, true
}

// Run 巡检循环（与摄取热路径相互独立的定时任务）
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}
