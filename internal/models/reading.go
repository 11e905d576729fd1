package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReadingEvent 入站读数事件（从 Redis Streams 解析的标准化读数）
// 投递语义为 at-least-once，(device_id, timestamp) 是去重键
type ReadingEvent struct {
	DeviceID  string             `json:"device_id"`
	Timestamp int64              `json:"timestamp"` // Unix 秒
	Metrics   map[string]float64 `json:"metrics"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// Reading 已通过校验并解析完成的读数
type Reading struct {
	DeviceID  string
	TenantID  string
	Timestamp time.Time
	Metrics   map[string]float64
	Metadata  map[string]string
}

// DedupKey 去重键（device_id + 事件时间戳）
func (r *Reading) DedupKey() string {
	return fmt.Sprintf("%s@%d", r.DeviceID, r.Timestamp.Unix())
}

// PendingReading 待落库的读数，携带来源流消息ID
// StreamID 用于落库成功后向消费者组确认（ack-after-persist），
// Attempts 记录分区未就绪导致的重试次数，超限后进入死信
type PendingReading struct {
	Reading
	StreamID string
	Attempts int
}

// ParseReadingEvent 从 Redis Streams 消息解析读数事件
func ParseReadingEvent(values map[string]interface{}) (*ReadingEvent, error) {
	dataStr, ok := values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing data field", ErrValidation)
	}

	var event ReadingEvent
	if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return &event, nil
}
