package risk

import (
	"sync/atomic"

	"github.com/betbot/perpexec/internal/domain"
)

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveRejections 连续 SubmissionRejected 上限。
	MaxConsecutiveRejections int64
}

// CircuitBreaker 进程级提交断路器，快路径只读原子变量。
//
// 只统计中继/链上明确拒绝的提交；余额不足、预言机不可用等属于单次尝试的问题，不计入。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveRejections atomic.Int64
	maxRejections         atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxRejections.Store(cfg.MaxConsecutiveRejections)
}

// Halt 手动熔断。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复（同时清空连续拒绝计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveRejections.Store(0)
}

// Halted 当前是否处于熔断状态
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// AllowTrading 快路径检查；熔断时返回 CircuitOpen 错误。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return domain.NewError(domain.KindCircuitOpen, nil, "trading halted")
	}
	limit := cb.maxRejections.Load()
	if n := cb.consecutiveRejections.Load(); limit > 0 && n >= limit {
		cb.halted.Store(true)
		return domain.NewError(domain.KindCircuitOpen, nil, "%d consecutive rejected submissions", n)
	}
	return nil
}

// OnSuccess 确认成交后调用，清空连续拒绝计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveRejections.Store(0)
}

// OnRejected 提交被明确拒绝后调用。
func (cb *CircuitBreaker) OnRejected() {
	if cb == nil {
		return
	}
	cb.consecutiveRejections.Add(1)
}
