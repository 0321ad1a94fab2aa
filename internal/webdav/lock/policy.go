package lock

import "time"

// TimeoutPolicy 锁超时策略
type TimeoutPolicy struct {
	DefaultTimeout time.Duration // 请求未指定超时时使用
	MaxTimeout     time.Duration
	AllowInfinite  bool
	Rounding       time.Duration // 向上取整粒度
}

// DefaultPolicy 默认策略：默认1小时，最长24小时，不允许无限，按秒取整
func DefaultPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		DefaultTimeout: time.Hour,
		MaxTimeout:     24 * time.Hour,
		AllowInfinite:  false,
		Rounding:       time.Second,
	}
}

// Effective 计算生效的超时时间
func (p TimeoutPolicy) Effective(requested time.Duration) time.Duration {
	if requested == 0 {
		requested = p.DefaultTimeout
		if requested == 0 {
			requested = p.MaxTimeout
		}
	}

	if requested == Infinite || requested < 0 {
		if p.AllowInfinite {
			return Infinite
		}
		requested = p.MaxTimeout
		if requested <= 0 {
			return Infinite
		}
	}

	if p.MaxTimeout > 0 && requested > p.MaxTimeout {
		requested = p.MaxTimeout
	}
	rounded := roundUp(requested, p.Rounding)
	if p.MaxTimeout > 0 && rounded > p.MaxTimeout {
		// 取整后不得超过上限，退回到不超过上限的最大整数倍
		rounded = p.MaxTimeout - p.MaxTimeout%p.Rounding
		if rounded <= 0 {
			rounded = p.MaxTimeout
		}
	}
	return rounded
}

func roundUp(d, granularity time.Duration) time.Duration {
	if granularity <= 0 {
		return d
	}
	if rem := d % granularity; rem != 0 {
		return d + granularity - rem
	}
	return d
}
