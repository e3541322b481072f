package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultHistoryCap 总线调试用内存事件环的默认容量。
// 日志文件才是事实来源，这个环仅供进程内检视。
const DefaultHistoryCap = 1000

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞。
var subscriptionCounter int64

// Handler 事件处理器。
type Handler func(ev *Event)

// Bus 进程内事件总线。投递是同步逐处理器的：Publish 在调用方
// goroutine 内按订阅顺序依次调用处理器，因此同一会话（单 goroutine
// 驱动）观察到的事件顺序与发射顺序一致；跨会话不保证任何顺序。
//
// 每次运行构造一个 Bus 显式传给需要它的组件，不做全局查找。
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]map[string]Handler
	all      map[string]Handler
	logs     map[string]*Log

	histMu     sync.Mutex
	history    []*Event
	historyCap int

	logger *zap.Logger
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers:   make(map[Kind]map[string]Handler),
		all:        make(map[string]Handler),
		logs:       make(map[string]*Log),
		historyCap: DefaultHistoryCap,
		logger:     logger.With(zap.String("component", "event_bus")),
	}
}

// AttachLog 绑定某会话的事件日志。绑定后，该会话的事件在投递给
// 任何处理器之前先落盘，保证"被监听者观察到"不会先于"已持久化"。
func (b *Bus) AttachLog(conversationID string, log *Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[conversationID] = log
}

// DetachLog 解除会话日志绑定（会话终止后调用）。
func (b *Bus) DetachLog(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, conversationID)
}

// Subscribe 订阅指定类型的事件，返回订阅 ID。
func (b *Bus) Subscribe(kind Kind, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", kind, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[kind][id] = handler
	return id
}

// SubscribeAll 订阅所有事件。
func (b *Bus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("all-%d", atomic.AddInt64(&subscriptionCounter, 1))
	b.all[id] = handler
	return id
}

// SubscribeConversation 只接收指定会话的事件，隔离跨会话泄漏。
func (b *Bus) SubscribeConversation(conversationID string, kind Kind, handler Handler) string {
	return b.Subscribe(kind, func(ev *Event) {
		if ev.ConversationID == conversationID {
			handler(ev)
		}
	})
}

// Unsubscribe 取消订阅。
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.all, subscriptionID)
	for kind, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, kind)
			}
			return
		}
	}
}

// Publish 发布事件：先追加到该会话的日志（分配序号），再同步分发给
// 订阅者。日志写入失败时不做任何分发，错误原样上抛，由调用方终止会话。
func (b *Bus) Publish(ev *Event) error {
	b.mu.RLock()
	log := b.logs[ev.ConversationID]
	b.mu.RUnlock()

	if log != nil && ev.Sequence == 0 {
		if _, err := log.Append(ev); err != nil {
			return err
		}
	}

	b.record(ev)
	b.dispatch(ev)
	return nil
}

// dispatch 同步调用处理器，单个处理器 panic 不影响其余处理器。
func (b *Bus) dispatch(ev *Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.all)+len(b.handlers[ev.Kind]))
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeInvoke(h, ev)
	}
}

func (b *Bus) safeInvoke(h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.String("conversation_id", ev.ConversationID),
				zap.Any("recover", r))
		}
	}()
	h(ev)
}

// record 把事件放入容量封顶的内存环。
func (b *Bus) record(ev *Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
}

// History 返回内存环中保留的最近事件（调试用途）。
func (b *Bus) History() []*Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]*Event, len(b.history))
	copy(out, b.history)
	return out
}
