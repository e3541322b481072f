package conversation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/types"
)

// Lifecycle 管理单个会话的状态迁移与控制信号。
//
// 外部的暂停/停止信号只设置意图标志，从不打断在途的 Provider 请求；
// 信号在下一个轮边界生效，保证每个已开始的轮要么完整结束要么显式失败。
type Lifecycle struct {
	state  *State
	bus    *event.Bus
	log    *event.Log
	logger *zap.Logger

	mu       sync.Mutex
	pauseReq bool
	stopReq  bool
	resumeCh chan struct{}
	stopCh   chan struct{}
}

// NewLifecycle 创建生命周期管理器。日志句柄归该会话独占，
// 调用方需已把 log 绑定到 bus 上。
func NewLifecycle(state *State, bus *event.Bus, log *event.Log, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		state:  state,
		bus:    bus,
		log:    log,
		logger: logger.With(zap.String("component", "lifecycle"), zap.String("conversation_id", state.Conversation.ID)),
		stopCh: make(chan struct{}),
	}
}

// State 返回会话的派生状态（仅会话 goroutine 内读写）。
func (lc *Lifecycle) State() *State { return lc.state }

// Emit 发射事件：先经 bus 落盘并分发，成功后折叠进状态。
// 日志写入失败对会话是致命的：走兜底路径尽力记录一条终止事件，
// 然后把原始错误上抛，由调用方终止会话。
func (lc *Lifecycle) Emit(payload event.Payload) error {
	ev := event.New(lc.state.Conversation.ID, lc.state.Conversation.ExperimentID, payload)
	if err := lc.bus.Publish(ev); err != nil {
		lc.logger.Error("event append failed, writing fallback terminal event", zap.Error(err))
		lc.writeFallbackEnd(err)
		return err
	}
	Fold(lc.state, ev)
	return nil
}

// writeFallbackEnd 主日志路径失败后的尽力而为记录。
func (lc *Lifecycle) writeFallbackEnd(cause error) {
	end := event.New(lc.state.Conversation.ID, lc.state.Conversation.ExperimentID, event.ConversationEndPayload{
		Reason:    types.EndError,
		TurnCount: lc.state.Conversation.TurnCount,
		Error:     cause.Error(),
	})
	end.Sequence = lc.state.LastSequence + 1
	event.AppendFallback(lc.log.Path(), end)
	Fold(lc.state, end)
}

// RequestPause 请求暂停。当前在途的轮会先完成。
func (lc *Lifecycle) RequestPause() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.pauseReq || lc.stopReq {
		return
	}
	lc.pauseReq = true
	lc.resumeCh = make(chan struct{})
	lc.logger.Info("pause requested")
}

// Resume 解除暂停。
func (lc *Lifecycle) Resume() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if !lc.pauseReq {
		return
	}
	lc.pauseReq = false
	close(lc.resumeCh)
	lc.logger.Info("resume requested")
}

// RequestStop 请求停止。当前在途的轮会先完成；若正处于暂停中则立即生效。
func (lc *Lifecycle) RequestStop() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.stopReq {
		return
	}
	lc.stopReq = true
	close(lc.stopCh)
	lc.logger.Info("stop requested")
}

// checkpoint 在轮边界落实控制信号。返回 stopped=true 表示会话已终止
// （停止事件已发射），调用方应退出执行循环。
func (lc *Lifecycle) checkpoint(turn int) (stopped bool, err error) {
	lc.mu.Lock()
	stopReq := lc.stopReq
	pauseReq := lc.pauseReq
	resumeCh := lc.resumeCh
	lc.mu.Unlock()

	if stopReq {
		if err := lc.Emit(event.ConversationEndPayload{
			Reason:    types.EndStopped,
			TurnCount: lc.state.Conversation.TurnCount,
		}); err != nil {
			return true, err
		}
		return true, nil
	}

	if !pauseReq {
		return false, nil
	}

	if err := lc.Emit(event.ConversationPausedPayload{TurnNumber: turn}); err != nil {
		return true, err
	}

	select {
	case <-resumeCh:
		if err := lc.Emit(event.ConversationResumedPayload{TurnNumber: turn}); err != nil {
			return true, err
		}
		return false, nil
	case <-lc.stopCh:
		if err := lc.Emit(event.ConversationEndPayload{
			Reason:    types.EndStopped,
			TurnCount: lc.state.Conversation.TurnCount,
		}); err != nil {
			return true, err
		}
		return true, nil
	}
}
