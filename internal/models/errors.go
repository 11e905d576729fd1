package models

import "errors"

// 摄取管线的错误分类
// 校验失败与重复读数在协调器内部消化，不向数据源传播；
// 隔离违规永远作为显式错误向上传播，不得降级或重试
var (
	// ErrValidation 读数格式非法或数值不合理
	ErrValidation = errors.New("reading validation failed")

	// ErrUnknownDevice 设备无法解析到租户（接受会破坏隔离，必须拒绝）
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDuplicate 去重键已存在（幂等空操作，不是错误结果）
	ErrDuplicate = errors.New("duplicate reading ignored")

	// ErrPartitionUnavailable 没有分区覆盖该时间戳（分区调度缺口）
	ErrPartitionUnavailable = errors.New("no partition covers timestamp")

	// ErrStoreWrite 存储层瞬时写入失败（退避重试，超限后进入死信）
	ErrStoreWrite = errors.New("store write failed")

	// ErrIsolationViolation 读数或查询解析到的租户与声明租户不一致
	ErrIsolationViolation = errors.New("tenant isolation violation")
)
