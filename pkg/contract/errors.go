package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSeqInvalid      = errors.New("sequence invalid")
	// ErrBudgetExceeded: 预算或配额不足（如单请求 token 上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrStale: 响应已被取代（被取消或版本过旧），丢弃且不合并。
	ErrStale = errors.New("stale response")
	// ErrClosed: 引擎已关闭。
	ErrClosed = errors.New("engine closed")
)
