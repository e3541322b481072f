package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_FirstRequestNoWait(t *testing.T) {
	l := New(nil)
	l.Register("prov", Budget{RequestsPerMinute: 10, TokensPerMinute: 1000})

	wait := l.Acquire("prov", 100)
	assert.Zero(t, wait, "首个请求不应等待")
}

func TestLimiter_UnregisteredProviderUnlimited(t *testing.T) {
	l := New(nil)

	for i := 0; i < 100; i++ {
		assert.Zero(t, l.Acquire("unknown", 1000))
	}
}

func TestLimiter_RequestPacing(t *testing.T) {
	l := New(nil)
	// 60 rpm = 每秒 1 个请求
	l.Register("prov", Budget{RequestsPerMinute: 60})

	first := l.Acquire("prov", 0)
	second := l.Acquire("prov", 0)
	third := l.Acquire("prov", 0)

	assert.Zero(t, first)
	// 后续请求的等待间隔接近 1 秒，且单调累积
	assert.InDelta(t, time.Second, second, float64(50*time.Millisecond))
	assert.InDelta(t, 2*time.Second, third, float64(50*time.Millisecond))
}

func TestLimiter_TokenBudgetPacing(t *testing.T) {
	l := New(nil)
	l.Register("prov", Budget{TokensPerMinute: 600})

	// 第一次用光整分钟突发额度，第二次必须等待
	assert.Zero(t, l.Acquire("prov", 600))
	wait := l.Acquire("prov", 100)
	assert.Greater(t, wait, time.Duration(0), "token 预算耗尽后应产生等待")
}

func TestLimiter_OversizedTokenRequestClamped(t *testing.T) {
	l := New(nil)
	l.Register("prov", Budget{TokensPerMinute: 100})

	// 超过整分钟预算的请求按预算上限收敛，而不是永远等待
	wait := l.Acquire("prov", 100000)
	assert.Less(t, wait, 2*time.Minute)
}

func TestLimiter_SharedAcrossConversations(t *testing.T) {
	l := New(nil)
	l.Register("prov", Budget{RequestsPerMinute: 60})

	// 并发会话共享同一预算：总等待时长必然分摊累积
	var mu sync.Mutex
	var waits []time.Duration
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := l.Acquire("prov", 0)
			mu.Lock()
			waits = append(waits, w)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, waits, 5)
	var max time.Duration
	for _, w := range waits {
		if w > max {
			max = w
		}
	}
	assert.GreaterOrEqual(t, max, 3*time.Second, "5 个并发请求中最慢的应排到 4 秒左右")
}

func TestWait_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait_ZeroDuration(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
}
