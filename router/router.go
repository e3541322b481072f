// Package router 把累计的会话历史变换为单个 Agent 的第一人称视角，
// 并在 token 预算内截断。
//
// 变换规则：请求方自己的历史映射为 assistant，对方的历史映射为 user，
// 人工介入始终以 user 角色呈现并带标记前缀。系统提示词永不截断；
// 截断以消息为单位，从最旧的历史开始丢弃。
package router

import (
	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/tokenizer"
	"github.com/BaSui01/duetflow/types"
)

// Router 视角变换器。每个会话持有一个实例，按请求方 Agent 构建上下文。
type Router struct {
	tok    tokenizer.Tokenizer
	logger *zap.Logger
}

// New 创建 Router。tok 为空时使用通用估算器。
func New(tok tokenizer.Tokenizer, logger *zap.Logger) *Router {
	if tok == nil {
		tok = tokenizer.NewEstimator("generic", 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		tok:    tok,
		logger: logger.With(zap.String("component", "router")),
	}
}

// BuildView 构建 agentID 视角下的 provider 就绪上下文。
//
// 返回的消息列表以系统提示词开头，随后是按预算保留的历史后缀。
// 当预算连最近一次交换都容纳不下时返回 CONTEXT_TOO_LONG，
// 调用方应将其视为会话的自然终点而不是错误。
func (r *Router) BuildView(agentID string, history []types.Message, systemPrompt string, tokenBudget int) ([]types.Message, error) {
	system := types.NewMessage(agentID, types.RoleSystem, systemPrompt)

	transformed := make([]types.Message, 0, len(history))
	for _, msg := range history {
		transformed = append(transformed, r.transform(agentID, msg))
	}

	systemTokens, err := r.tok.CountMessages([]types.Message{system})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "count system tokens").WithCause(err)
	}
	remaining := tokenBudget - systemTokens
	if remaining < 0 {
		return nil, types.NewError(types.ErrContextTooLong, "system prompt exceeds token budget")
	}

	keep, err := r.maxSuffix(transformed, remaining)
	if err != nil {
		return nil, err
	}
	if keep < latestExchange(transformed) {
		// 连最近一次交换（双方各一条）都放不下：不再尝试截断，
		// 上抛 context-limit，由调用方作为会话自然终点处理。
		return nil, types.NewError(types.ErrContextTooLong, "latest exchange exceeds token budget")
	}

	if keep < len(transformed) {
		r.logger.Debug("history truncated",
			zap.String("agent_id", agentID),
			zap.Int("dropped", len(transformed)-keep),
			zap.Int("kept", keep))
	}

	view := make([]types.Message, 0, keep+1)
	view = append(view, system)
	view = append(view, transformed[len(transformed)-keep:]...)
	return view, nil
}

// transform 把一条历史消息映射到请求方视角。
func (r *Router) transform(agentID string, msg types.Message) types.Message {
	out := msg
	switch {
	case msg.Intervention:
		out.Role = types.RoleUser
	case msg.AgentID == agentID:
		out.Role = types.RoleAssistant
	default:
		out.Role = types.RoleUser
	}
	return out
}

// latestExchange 返回覆盖最近一次交换所需的最短后缀长度：
// 从末尾回数两条非介入消息（双方各一条），介入消息算在该后缀内。
// 历史不足一次完整交换时要求保留全部。
func latestExchange(msgs []types.Message) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Intervention {
			continue
		}
		seen++
		if seen == 2 {
			return len(msgs) - i
		}
	}
	return len(msgs)
}

// maxSuffix 二分查找能放进预算的最大历史后缀长度。
// token 数随后缀长度单调递增，二分成立。
func (r *Router) maxSuffix(msgs []types.Message, budget int) (int, error) {
	lo, hi := 0, len(msgs)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		n, err := r.tok.CountMessages(msgs[len(msgs)-mid:])
		if err != nil {
			return 0, types.NewError(types.ErrInternalError, "count history tokens").WithCause(err)
		}
		if n <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}
