// Package event 提供会话编排的事件模型：统一信封 + 封闭的 payload 变体集合，
// 以及进程内事件总线和按会话追加的事件日志。
//
// 事件是系统的唯一事实来源：所有派生状态（会话状态机、清单、分析导入）
// 都通过按序折叠事件重建。
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/duetflow/types"
)

// Kind 事件类型
type Kind string

const (
	KindConversationStart   Kind = "conversation_start"
	KindMessageChunk        Kind = "message_chunk"
	KindMessageComplete     Kind = "message_complete"
	KindTurnComplete        Kind = "turn_complete"
	KindConversationPaused  Kind = "conversation_paused"
	KindConversationResumed Kind = "conversation_resumed"
	KindConversationEnd     Kind = "conversation_end"
	KindRateLimitWait       Kind = "rate_limit_wait"
	KindRetryAttempt        Kind = "retry_attempt"
	KindMetricsRecorded     Kind = "metrics_recorded"
	KindIntervention        Kind = "intervention"
)

// Payload 是事件负载的封闭集合，每种 Kind 对应一个具体类型。
// 折叠逻辑对 Kind 做穷尽 switch，新增事件类型必须同时扩展解码表。
type Payload interface {
	EventKind() Kind
}

// Event 统一事件信封。Sequence 在会话内严格递增且无空洞，
// 由该会话唯一的日志写入者在追加时分配。
type Event struct {
	Sequence       uint64    `json:"sequence"`
	ConversationID string    `json:"conversation_id"`
	ExperimentID   string    `json:"experiment_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           Kind      `json:"kind"`
	Payload        Payload   `json:"payload"`
}

// New 创建未分配序号的事件，序号由 Log.Append 在落盘时分配。
func New(conversationID, experimentID string, payload Payload) *Event {
	return &Event{
		ConversationID: conversationID,
		ExperimentID:   experimentID,
		Timestamp:      time.Now(),
		Kind:           payload.EventKind(),
		Payload:        payload,
	}
}

// --- Payload 变体 ---

// ConversationStartPayload 会话开始。
type ConversationStartPayload struct {
	Agents        [2]types.AgentConfig `json:"agents"`
	InitialPrompt string               `json:"initial_prompt"`
	MaxTurns      int                  `json:"max_turns"`
}

func (ConversationStartPayload) EventKind() Kind { return KindConversationStart }

// MessageChunkPayload 流式输出的单个增量。
type MessageChunkPayload struct {
	AgentID    string `json:"agent_id"`
	TurnNumber int    `json:"turn_number"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
}

func (MessageChunkPayload) EventKind() Kind { return KindMessageChunk }

// MessageCompletePayload 一条消息生成完毕，含 token 用量。
type MessageCompletePayload struct {
	Message    types.Message    `json:"message"`
	Usage      types.TokenUsage `json:"usage"`
	Model      string           `json:"model,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

func (MessageCompletePayload) EventKind() Kind { return KindMessageComplete }

// TurnCompletePayload 一轮（双方各一条消息）结束。
type TurnCompletePayload struct {
	TurnNumber       int                `json:"turn_number"`
	ConvergenceScore float64            `json:"convergence_score"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	Usage            types.TokenUsage   `json:"usage"`
}

func (TurnCompletePayload) EventKind() Kind { return KindTurnComplete }

// ConversationPausedPayload 会话暂停（仅在轮边界生效）。
type ConversationPausedPayload struct {
	TurnNumber int `json:"turn_number"`
}

func (ConversationPausedPayload) EventKind() Kind { return KindConversationPaused }

// ConversationResumedPayload 会话恢复。
type ConversationResumedPayload struct {
	TurnNumber int `json:"turn_number"`
}

func (ConversationResumedPayload) EventKind() Kind { return KindConversationResumed }

// ConversationEndPayload 会话终止，Reason 标明终止原因。
type ConversationEndPayload struct {
	Reason    types.EndReason `json:"reason"`
	TurnCount int             `json:"turn_count"`
	Error     string          `json:"error,omitempty"`
}

func (ConversationEndPayload) EventKind() Kind { return KindConversationEnd }

// RateLimitWaitPayload 主动限流产生了非零等待。
type RateLimitWaitPayload struct {
	ProviderID string `json:"provider_id"`
	WaitMs     int64  `json:"wait_ms"`
}

func (RateLimitWaitPayload) EventKind() Kind { return KindRateLimitWait }

// RetryAttemptPayload 对可重试错误发起了一次重试。
type RetryAttemptPayload struct {
	ProviderID string `json:"provider_id"`
	TurnNumber int    `json:"turn_number"`
	Attempt    int    `json:"attempt"`
	DelayMs    int64  `json:"delay_ms"`
	Error      string `json:"error,omitempty"`
}

func (RetryAttemptPayload) EventKind() Kind { return KindRetryAttempt }

// MetricsRecordedPayload 单轮语言学指标快照。指标计算方式由上游决定，
// 这里只负责持久化与重放重建。
type MetricsRecordedPayload struct {
	TurnNumber int                `json:"turn_number"`
	AgentID    string             `json:"agent_id,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
}

func (MetricsRecordedPayload) EventKind() Kind { return KindMetricsRecorded }

// InterventionPayload 人工注入的消息。
type InterventionPayload struct {
	Message types.Message `json:"message"`
}

func (InterventionPayload) EventKind() Kind { return KindIntervention }

// --- 编解码 ---

// envelope 用于 JSON 序列化时携带原始 payload。
type envelope struct {
	Sequence       uint64          `json:"sequence"`
	ConversationID string          `json:"conversation_id"`
	ExperimentID   string          `json:"experiment_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalJSON 实现 json.Marshaler。
func (e *Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Sequence:       e.Sequence,
		ConversationID: e.ConversationID,
		ExperimentID:   e.ExperimentID,
		Timestamp:      e.Timestamp,
		Kind:           e.Kind,
		Payload:        raw,
	})
}

// UnmarshalJSON 实现 json.Unmarshaler，按 Kind 解码到具体 payload 类型。
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	payload, err := newPayload(env.Kind)
	if err != nil {
		return err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}

	e.Sequence = env.Sequence
	e.ConversationID = env.ConversationID
	e.ExperimentID = env.ExperimentID
	e.Timestamp = env.Timestamp
	e.Kind = env.Kind
	e.Payload = derefPayload(payload)
	return nil
}

// newPayload 返回对应 Kind 的空 payload 指针，供 JSON 解码。
func newPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindConversationStart:
		return &ConversationStartPayload{}, nil
	case KindMessageChunk:
		return &MessageChunkPayload{}, nil
	case KindMessageComplete:
		return &MessageCompletePayload{}, nil
	case KindTurnComplete:
		return &TurnCompletePayload{}, nil
	case KindConversationPaused:
		return &ConversationPausedPayload{}, nil
	case KindConversationResumed:
		return &ConversationResumedPayload{}, nil
	case KindConversationEnd:
		return &ConversationEndPayload{}, nil
	case KindRateLimitWait:
		return &RateLimitWaitPayload{}, nil
	case KindRetryAttempt:
		return &RetryAttemptPayload{}, nil
	case KindMetricsRecorded:
		return &MetricsRecordedPayload{}, nil
	case KindIntervention:
		return &InterventionPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}
}

// derefPayload 解码后去掉指针层，保持 Payload 以值形式存放。
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *ConversationStartPayload:
		return *v
	case *MessageChunkPayload:
		return *v
	case *MessageCompletePayload:
		return *v
	case *TurnCompletePayload:
		return *v
	case *ConversationPausedPayload:
		return *v
	case *ConversationResumedPayload:
		return *v
	case *ConversationEndPayload:
		return *v
	case *RateLimitWaitPayload:
		return *v
	case *RetryAttemptPayload:
		return *v
	case *MetricsRecordedPayload:
		return *v
	case *InterventionPayload:
		return *v
	default:
		return p
	}
}
