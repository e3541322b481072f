// Package ratelimit 提供按 Provider 的主动限流：请求数/分钟与 token 数/分钟
// 双令牌桶。它只计算需要等待的时长，不替调用方睡眠，调用方据此发射
// rate_limit_wait 事件后再等待。
//
// 对 Provider 返回的限流错误做被动退避属于重试层，与这里的主动限流互相独立。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Budget 单个 Provider 的吞吐预算。零值字段表示该维度不限。
type Budget struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
}

// providerLimiter 双桶：请求桶突发量 1，token 桶突发量为整分钟预算。
type providerLimiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// Limiter 跨会话共享的限流器。内部状态是并发会话之间唯一真正共享的
// 可变资源，预算检查与扣减由 x/time/rate 自身的锁保证互斥。
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
	logger    *zap.Logger
}

// New 创建限流器。
func New(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		providers: make(map[string]*providerLimiter),
		logger:    logger.With(zap.String("component", "rate_limiter")),
	}
}

// Register 为 Provider 配置预算。重复注册覆盖旧预算。
func (l *Limiter) Register(providerID string, budget Budget) {
	pl := &providerLimiter{}
	if budget.RequestsPerMinute > 0 {
		pl.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(budget.RequestsPerMinute)), 1)
	}
	if budget.TokensPerMinute > 0 {
		pl.tokens = rate.NewLimiter(rate.Limit(float64(budget.TokensPerMinute)/60.0), budget.TokensPerMinute)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[providerID] = pl
}

// Acquire 预约一次请求额度，返回发出请求前必须等待的时长。
// 首个请求返回零等待；未注册的 Provider 不限流。
func (l *Limiter) Acquire(providerID string, estimatedTokens int) time.Duration {
	l.mu.RLock()
	pl := l.providers[providerID]
	l.mu.RUnlock()

	if pl == nil {
		return 0
	}

	now := time.Now()
	var wait time.Duration

	if pl.requests != nil {
		res := pl.requests.ReserveN(now, 1)
		if d := res.DelayFrom(now); d > wait {
			wait = d
		}
	}
	if pl.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > pl.tokens.Burst() {
			n = pl.tokens.Burst()
		}
		res := pl.tokens.ReserveN(now, n)
		if d := res.DelayFrom(now); d > wait {
			wait = d
		}
	}

	if wait > 0 {
		l.logger.Debug("pacing applied",
			zap.String("provider_id", providerID),
			zap.Duration("wait", wait),
			zap.Int("estimated_tokens", estimatedTokens))
	}
	return wait
}

// Wait 等待指定时长，同时监听 context 取消。
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
