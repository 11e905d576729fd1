package ingest

import (
	"fmt"
	"math"
	"time"

	"farmsense-ingest/internal/models"
)

// MetricRange 指标的合理取值区间
type MetricRange struct {
	Min float64
	Max float64
}

// 未显式配置区间的指标使用的兜底界限
const defaultAbsoluteBound = 1e9

// Validator 读数形状校验
// 校验失败的读数被丢弃并计数，永远不会让摄取崩溃
type Validator struct {
	skewTolerance time.Duration
	ranges        map[string]MetricRange
	now           func() time.Time
}

// NewValidator 创建读数校验器
// ranges 可为 nil，此时只做有限性和兜底界限检查
func NewValidator(skewTolerance time.Duration, ranges map[string]MetricRange) *Validator {
	return &Validator{
		skewTolerance: skewTolerance,
		ranges:        ranges,
		now:           time.Now,
	}
}

// Validate 校验入站读数事件
func (v *Validator) Validate(event *models.ReadingEvent) error {
	if event.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", models.ErrValidation)
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", models.ErrValidation)
	}
	if len(event.Metrics) == 0 {
		return fmt.Errorf("%w: empty metrics", models.ErrValidation)
	}

	ts := time.Unix(event.Timestamp, 0)
	if ts.After(v.now().Add(v.skewTolerance)) {
		return fmt.Errorf("%w: timestamp %s is in the future beyond skew tolerance",
			models.ErrValidation, ts.UTC().Format(time.RFC3339))
	}

	for name, value := range event.Metrics {
		if name == "" {
			return fmt.Errorf("%w: empty metric name", models.ErrValidation)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%w: metric %s is not a finite number", models.ErrValidation, name)
		}
		if r, ok := v.ranges[name]; ok {
			if value < r.Min || value > r.Max {
				return fmt.Errorf("%w: metric %s value %v outside plausible range [%v, %v]",
					models.ErrValidation, name, value, r.Min, r.Max)
			}
		} else if math.Abs(value) > defaultAbsoluteBound {
			return fmt.Errorf("%w: metric %s value %v outside plausible range", models.ErrValidation, name, value)
		}
	}

	return nil
}
