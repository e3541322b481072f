// Package conversation 实现会话级状态机：TurnExecutor 驱动逐轮执行，
// Lifecycle 管理 created → running → {paused ⇄ running} → 终态的迁移。
//
// 所有迁移都是"事件先行"的：状态字段只在事件成功追加到日志之后、
// 通过 Fold 折叠该事件来更新。同一个 Fold 也被重放器使用，
// 因此状态机本身可以由日志完整重建。
package conversation

import (
	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/types"
)

// SeedAgentID 初始提示词在历史中的归属方。
const SeedAgentID = "seed"

// State 会话的全部派生状态：既是执行期的工作状态，也是重放的折叠结果。
type State struct {
	Conversation    types.Conversation `json:"conversation"`
	History         []types.Message    `json:"history"`
	LastSequence    uint64             `json:"last_sequence"`
	LastConvergence float64            `json:"last_convergence"`
	TurnMetrics     []TurnMetrics      `json:"turn_metrics,omitempty"`
}

// TurnMetrics 某一轮持久化的指标快照。
type TurnMetrics struct {
	TurnNumber int                `json:"turn_number"`
	AgentID    string             `json:"agent_id,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
}

// NewState 创建空状态。
func NewState(conversationID, experimentID string) *State {
	return &State{
		Conversation: types.Conversation{
			ID:           conversationID,
			ExperimentID: experimentID,
			Status:       types.StatusCreated,
		},
	}
}

// Fold 把一个事件折叠进状态。对 payload 类型做穷尽匹配；
// 在线执行与离线重放走的是同一份迁移逻辑。
func Fold(st *State, ev *event.Event) {
	switch p := ev.Payload.(type) {
	case event.ConversationStartPayload:
		st.Conversation.Agents = p.Agents
		st.Conversation.Status = types.StatusRunning
		st.Conversation.StartedAt = ev.Timestamp
		if p.InitialPrompt != "" {
			st.History = append(st.History, types.Message{
				TurnNumber: 0,
				AgentID:    SeedAgentID,
				Role:       types.RoleUser,
				Content:    p.InitialPrompt,
				Timestamp:  ev.Timestamp,
			})
		}

	case event.MessageChunkPayload:
		// 瞬态事件，不参与状态折叠。

	case event.MessageCompletePayload:
		st.History = append(st.History, p.Message)
		st.Conversation.Usage.Add(p.Usage)

	case event.InterventionPayload:
		st.History = append(st.History, p.Message)

	case event.TurnCompletePayload:
		st.Conversation.TurnCount = p.TurnNumber
		st.LastConvergence = p.ConvergenceScore
		if len(p.Metrics) > 0 {
			st.TurnMetrics = append(st.TurnMetrics, TurnMetrics{
				TurnNumber: p.TurnNumber,
				Metrics:    p.Metrics,
			})
		}

	case event.MetricsRecordedPayload:
		st.TurnMetrics = append(st.TurnMetrics, TurnMetrics{
			TurnNumber: p.TurnNumber,
			AgentID:    p.AgentID,
			Metrics:    p.Metrics,
		})

	case event.ConversationPausedPayload:
		st.Conversation.Status = types.StatusPaused

	case event.ConversationResumedPayload:
		st.Conversation.Status = types.StatusRunning

	case event.ConversationEndPayload:
		t := ev.Timestamp
		st.Conversation.EndedAt = &t
		st.Conversation.EndReason = p.Reason
		switch p.Reason {
		case types.EndError:
			st.Conversation.Status = types.StatusFailed
		case types.EndStopped:
			st.Conversation.Status = types.StatusStopped
		default:
			st.Conversation.Status = types.StatusCompleted
		}

	case event.RateLimitWaitPayload, event.RetryAttemptPayload:
		// 观测事件，不改变会话状态。
	}

	st.LastSequence = ev.Sequence
}
