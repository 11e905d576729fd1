package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/store"

	"go.uber.org/zap"
)

// DeviceResolver 设备档案解析（租户目录）
type DeviceResolver interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// LivenessToucher 在线状态更新
type LivenessToucher interface {
	Touch(ctx context.Context, deviceID, tenantID string, sampleInterval time.Duration, ts time.Time)
}

// ReadingStore 租户隔离存储
type ReadingStore interface {
	WriteBatch(ctx context.Context, tenantID string, readings []models.Reading) (store.WriteResult, error)
	Write(ctx context.Context, tenantID string, reading models.Reading) (store.WriteResult, error)
}

// Acker 向来源流确认消息（落库成功后调用）
type Acker interface {
	Ack(ctx context.Context, ids ...string) error
}

// LastSeenRecorder 设备最后读数时间的持久化
// 重启后在线状态追踪以持久化的 last_seen 为基准，而不是进程启动时间
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error
}

// DeadLetterSink 死信出口
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, reason string, readings []models.Reading) error
}

// Stats 摄取统计
type Stats struct {
	Accepted           uint64
	ValidationFailures uint64
	UnknownDevices     uint64
	Inserted           uint64
	Duplicates         uint64
	DeadLettered       uint64
}

// Coordinator 摄取协调器
// 热路径：校验 → 解析租户 → 更新在线状态 → 追加批次；
// 落库在独立的 flush worker 中按租户分组进行，单租户失败不阻塞其他租户
type Coordinator struct {
	validator  *Validator
	devices    DeviceResolver
	tracker    LivenessToucher
	acc        *Accumulator
	store      ReadingStore
	acker      Acker
	deadletter DeadLetterSink
	lastSeen   LastSeenRecorder
	logger     *zap.Logger

	flushWindow time.Duration
	maxRetries  int
	retryLimit  int

	retryMu  sync.Mutex
	retryBuf []models.PendingReading // 分区未就绪的读数，下个窗口重试

	accepted           uint64
	validationFailures uint64
	unknownDevices     uint64
	inserted           uint64
	duplicates         uint64
	deadLettered       uint64
}

// NewCoordinator 创建摄取协调器
func NewCoordinator(
	validator *Validator,
	devices DeviceResolver,
	tracker LivenessToucher,
	acc *Accumulator,
	readingStore ReadingStore,
	acker Acker,
	deadletter DeadLetterSink,
	lastSeen LastSeenRecorder,
	flushWindow time.Duration,
	maxRetries int,
	retryLimit int,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		validator:   validator,
		devices:     devices,
		tracker:     tracker,
		acc:         acc,
		store:       readingStore,
		acker:       acker,
		deadletter:  deadletter,
		lastSeen:    lastSeen,
		flushWindow: flushWindow,
		maxRetries:  maxRetries,
		retryLimit:  retryLimit,
		logger:      logger,
	}
}

// Ingest 处理单条入站读数事件
// 校验失败和重复读数在这里消化，不作为失败传播给数据源——
// 数据源无需区分"已接受"和"已去重"
func (c *Coordinator) Ingest(ctx context.Context, streamID string, event *models.ReadingEvent) error {
	if err := c.validator.Validate(event); err != nil {
		atomic.AddUint64(&c.validationFailures, 1)
		c.logger.Warn("Reading dropped by validation",
			zap.String("device_id", event.DeviceID),
			zap.Error(err),
		)
		return err
	}

	device, err := c.devices.GetDevice(ctx, event.DeviceID)
	if err != nil {
		if errors.Is(err, models.ErrUnknownDevice) {
			atomic.AddUint64(&c.unknownDevices, 1)
			c.logger.Warn("Reading dropped: device not provisioned",
				zap.String("device_id", event.DeviceID),
			)
		}
		return err
	}
	if !device.Active {
		atomic.AddUint64(&c.unknownDevices, 1)
		return fmt.Errorf("%w: %s is deactivated", models.ErrUnknownDevice, event.DeviceID)
	}

	ts := time.Unix(event.Timestamp, 0).UTC()
	c.tracker.Touch(ctx, device.DeviceID, device.TenantID, device.SampleInterval, ts)

	c.acc.Append(models.PendingReading{
		Reading: models.Reading{
			DeviceID:  event.DeviceID,
			TenantID:  device.TenantID,
			Timestamp: ts,
			Metrics:   event.Metrics,
			Metadata:  event.Metadata,
		},
		StreamID: streamID,
	})
	atomic.AddUint64(&c.accepted, 1)

	return nil
}

// RunFlushLoop 落库循环：时间窗口到期或批次达到上限，先到先触发
func (c *Coordinator) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 退出前把最后一个批次落库
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.acc.Full():
			c.Flush(ctx)
		}
	}
}

// Flush 交换并落库当前批次（含上个窗口分区未就绪的重试读数）
func (c *Coordinator) Flush(ctx context.Context) {
	drained := c.acc.Drain()

	c.retryMu.Lock()
	retries := c.retryBuf
	c.retryBuf = nil
	c.retryMu.Unlock()

	drained = append(drained, retries...)
	if len(drained) == 0 {
		return
	}

	// 按租户分组，单租户失败不影响其他租户的落库
	byTenant := make(map[string][]models.PendingReading)
	for _, pending := range drained {
		byTenant[pending.TenantID] = append(byTenant[pending.TenantID], pending)
	}

	for tenantID, batch := range byTenant {
		c.flushTenant(ctx, tenantID, batch)
	}
}

// flushTenant 落库单个租户的子批次
// 批量写入失败后退避重试（作为整体，不回插活跃批次），瞬时失败重试耗尽后
// 逐条降级写入，单条坏读数不会毒化整个窗口
func (c *Coordinator) flushTenant(ctx context.Context, tenantID string, batch []models.PendingReading) {
	readings := make([]models.Reading, len(batch))
	for i, pending := range batch {
		readings[i] = pending.Reading
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		result, err := c.store.WriteBatch(ctx, tenantID, readings)
		if err == nil {
			c.settleBatch(ctx, batch, result)
			return
		}

		// 隔离违规和未知设备不重试，直接逐条定位坏读数
		if errors.Is(err, models.ErrIsolationViolation) || errors.Is(err, models.ErrUnknownDevice) {
			c.flushIndividually(ctx, tenantID, batch)
			return
		}

		if attempt >= c.maxRetries {
			c.logger.Error("Bulk write retries exhausted, falling back to per-reading writes",
				zap.String("tenant_id", tenantID),
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			c.flushIndividually(ctx, tenantID, batch)
			return
		}

		c.logger.Warn("Bulk write failed, backing off",
			zap.String("tenant_id", tenantID),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// flushIndividually 逐条写入降级路径
func (c *Coordinator) flushIndividually(ctx context.Context, tenantID string, batch []models.PendingReading) {
	for _, pending := range batch {
		result, err := c.store.Write(ctx, tenantID, pending.Reading)
		if err != nil {
			// 单条失败进入死信：隔离违规、未知设备和重试耗尽的瞬时错误都在此兜底
			c.deadLetterReadings(ctx, err.Error(), []models.PendingReading{pending})
			continue
		}
		c.settleBatch(ctx, []models.PendingReading{pending}, result)
	}
}

// settleBatch 处理写入结果：分区未就绪的读数进重试缓冲，其余确认来源消息
func (c *Coordinator) settleBatch(ctx context.Context, batch []models.PendingReading, result store.WriteResult) {
	atomic.AddUint64(&c.inserted, uint64(result.Inserted))
	atomic.AddUint64(&c.duplicates, uint64(result.Duplicates))

	unavailable := make(map[string]bool, len(result.Unavailable))
	for _, reading := range result.Unavailable {
		unavailable[reading.DedupKey()] = true
	}

	var ackIDs []string
	var deferred []models.PendingReading
	latest := make(map[string]time.Time)
	for _, pending := range batch {
		if unavailable[pending.DedupKey()] {
			deferred = append(deferred, pending)
			continue
		}
		if pending.StreamID != "" {
			ackIDs = append(ackIDs, pending.StreamID)
		}
		if pending.Timestamp.After(latest[pending.DeviceID]) {
			latest[pending.DeviceID] = pending.Timestamp
		}
	}

	if len(deferred) > 0 {
		c.bufferForRetry(ctx, deferred)
	}

	// 落库后刷新设备的持久化 last_seen，重启后在线状态追踪从这里恢复
	// SQL 侧取 GREATEST，乱序批次不会回退水位
	for deviceID, ts := range latest {
		if err := c.lastSeen.UpdateLastSeen(ctx, deviceID, ts); err != nil {
			c.logger.Warn("Failed to persist device last_seen",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	if len(ackIDs) > 0 {
		if err := c.acker.Ack(ctx, ackIDs...); err != nil {
			// 确认失败只会导致重投，去重键保证重放安全
			c.logger.Warn("Failed to ack persisted readings", zap.Error(err))
		}
	}
}

// bufferForRetry 读数进入有界重试缓冲，溢出部分死信
// 每条读数的重试次数有上限：时间戳永远不会被 OPEN 分区覆盖的读数
// 不能在缓冲和落库循环之间无限打转，超限后进入死信而不是静默滞留
func (c *Coordinator) bufferForRetry(ctx context.Context, deferred []models.PendingReading) {
	var retriable []models.PendingReading
	var exhausted []models.PendingReading
	for _, pending := range deferred {
		pending.Attempts++
		if pending.Attempts > c.maxRetries {
			exhausted = append(exhausted, pending)
			continue
		}
		retriable = append(retriable, pending)
	}

	c.retryMu.Lock()
	room := c.retryLimit - len(c.retryBuf)
	if room < 0 {
		room = 0
	}
	keep := retriable
	var overflow []models.PendingReading
	if len(retriable) > room {
		keep = retriable[:room]
		overflow = retriable[room:]
	}
	c.retryBuf = append(c.retryBuf, keep...)
	c.retryMu.Unlock()

	if len(exhausted) > 0 {
		c.deadLetterReadings(ctx, "no partition covers reading after retries", exhausted)
	}
	if len(overflow) > 0 {
		c.deadLetterReadings(ctx, "partition retry buffer overflow", overflow)
	}
}

func (c *Coordinator) deadLetterReadings(ctx context.Context, reason string, batch []models.PendingReading) {
	readings := make([]models.Reading, len(batch))
	var ackIDs []string
	for i, pending := range batch {
		readings[i] = pending.Reading
		if pending.StreamID != "" {
			ackIDs = append(ackIDs, pending.StreamID)
		}
	}

	atomic.AddUint64(&c.deadLettered, uint64(len(batch)))
	if err := c.deadletter.PublishDeadLetter(ctx, reason, readings); err != nil {
		// 死信发布失败时不确认来源消息，等待重投
		c.logger.Error("Failed to publish dead letter", zap.Error(err))
		return
	}

	// 死信已持久化，确认来源消息避免无限重投
	if len(ackIDs) > 0 {
		if err := c.acker.Ack(ctx, ackIDs...); err != nil {
			c.logger.Warn("Failed to ack dead-lettered readings", zap.Error(err))
		}
	}
}

// Stats 摄取统计快照
func (c *Coordinator) Stats() Stats {
	return Stats{
		Accepted:           atomic.LoadUint64(&c.accepted),
		ValidationFailures: atomic.LoadUint64(&c.validationFailures),
		UnknownDevices:     atomic.LoadUint64(&c.unknownDevices),
		Inserted:           atomic.LoadUint64(&c.inserted),
		Duplicates:         atomic.LoadUint64(&c.duplicates),
		DeadLettered:       atomic.LoadUint64(&c.deadLettered),
	}
}
