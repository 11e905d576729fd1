package ingest

import (
	"sync"

	"farmsense-ingest/internal/models"
)

// Accumulator 批次累加器
// 多个摄取 worker 共享同一个累加器，swap-and-drain 是唯一的串行化点：
// 锁内只做切片追加和交换，读数不会跨越 drain 边界丢失或重复
type Accumulator struct {
	mu      sync.Mutex
	pending []models.PendingReading
	maxSize int
	full    chan struct{}
}

// NewAccumulator 创建批次累加器
// maxSize 是批次上限（背压阀），达到后触发提前落库
func NewAccumulator(maxSize int) *Accumulator {
	return &Accumulator{
		pending: make([]models.PendingReading, 0, maxSize),
		maxSize: maxSize,
		full:    make(chan struct{}, 1),
	}
}

// Append 追加读数到当前批次
// 临界区只有一次 append，摄取热路径上的锁持有时间有界
func (a *Accumulator) Append(reading models.PendingReading) {
	a.mu.Lock()
	a.pending = append(a.pending, reading)
	reached := len(a.pending) >= a.maxSize
	a.mu.Unlock()

	if reached {
		// 非阻塞通知，信号合并不影响正确性
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
}

// Drain 原子交换当前批次并返回旧批次内容
// 新的空批次立即可用，落库期间摄取不中断
func (a *Accumulator) Drain() []models.PendingReading {
	a.mu.Lock()
	drained := a.pending
	a.pending = make([]models.PendingReading, 0, a.maxSize)
	a.mu.Unlock()
	return drained
}

// Len 当前批次大小
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Full 批次达到上限的通知通道
func (a *Accumulator) Full() <-chan struct{} {
	return a.full
}
