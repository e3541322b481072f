package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/convergence"
	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/provider"
	"github.com/BaSui01/duetflow/ratelimit"
	"github.com/BaSui01/duetflow/router"
	"github.com/BaSui01/duetflow/tokenizer"
	"github.com/BaSui01/duetflow/types"
)

// Config 单个会话的执行配置。
type Config struct {
	MaxTurns             int           `json:"max_turns" yaml:"max_turns"`
	ContextTokens        int           `json:"context_tokens" yaml:"context_tokens"`
	MaxResponseTokens    int           `json:"max_response_tokens" yaml:"max_response_tokens"`
	InitialPrompt        string        `json:"initial_prompt" yaml:"initial_prompt"`
	SystemPromptTemplate string        `json:"system_prompt_template" yaml:"system_prompt_template"`
	ConvergenceWindow    int           `json:"convergence_window" yaml:"convergence_window"`
	ConvergenceProfile   string        `json:"convergence_profile" yaml:"convergence_profile"`
	ConvergenceThreshold float64       `json:"convergence_threshold" yaml:"convergence_threshold"`
	Retry                RetryPolicy   `json:"retry" yaml:"retry"`
	RequestTimeout       time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig 返回合理的默认执行配置。
func DefaultConfig() Config {
	return Config{
		MaxTurns:             30,
		ContextTokens:        8192,
		MaxResponseTokens:    1024,
		SystemPromptTemplate: "You are {name}. You are having a conversation with {partner}.",
		ConvergenceWindow:    convergence.DefaultWindow,
		ConvergenceProfile:   "balanced",
		Retry:                DefaultRetryPolicy(),
		RequestTimeout:       5 * time.Minute,
	}
}

// MetricsFn 对一条完成的消息计算指标 payload。具体指标公式由调用方注入，
// 核心只负责持久化。
type MetricsFn func(msg types.Message) map[string]float64

// surfaceMetrics 默认的表层统计。
func surfaceMetrics(msg types.Message) map[string]float64 {
	return map[string]float64{
		"chars": float64(len(msg.Content)),
		"words": float64(len(strings.Fields(msg.Content))),
	}
}

// Executor 会话的轮执行状态机：对每个 Agent 依次完成
// 构建视角 → 限流 → 流式请求 → 落盘 的闭环。
// 一个 Executor 由且仅由一个 goroutine 驱动。
type Executor struct {
	lc        *Lifecycle
	agents    [2]types.AgentConfig
	providers *provider.Registry
	limiter   *ratelimit.Limiter
	tracker   *convergence.Tracker
	cfg       Config
	routers   map[string]*router.Router
	toks      map[string]tokenizer.Tokenizer
	metricsFn MetricsFn
	logger    *zap.Logger

	pendingMu     sync.Mutex
	interventions []string
}

// NewExecutor 创建轮执行器。
func NewExecutor(lc *Lifecycle, agents [2]types.AgentConfig, providers *provider.Registry, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "executor"), zap.String("conversation_id", lc.State().Conversation.ID))

	profile, err := convergence.ProfileByName(cfg.ConvergenceProfile)
	if err != nil {
		profile = convergence.DefaultProfile()
	}

	e := &Executor{
		lc:        lc,
		agents:    agents,
		providers: providers,
		limiter:   limiter,
		tracker:   convergence.NewTracker(cfg.ConvergenceWindow, profile, logger),
		cfg:       cfg,
		routers:   make(map[string]*router.Router),
		toks:      make(map[string]tokenizer.Tokenizer),
		metricsFn: surfaceMetrics,
		logger:    logger,
	}

	for _, a := range agents {
		tok := tokenizer.ForModel(a.ModelID)
		e.toks[a.AgentID] = tok
		e.routers[a.AgentID] = router.New(tok, logger)
	}
	return e
}

// WithMetricsFn 替换每条消息的指标计算函数。fn 为 nil 时关闭指标事件。
func (e *Executor) WithMetricsFn(fn MetricsFn) *Executor {
	e.metricsFn = fn
	return e
}

// Inject 排队一条人工介入消息，在下一个轮边界进入历史。
func (e *Executor) Inject(content string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.interventions = append(e.interventions, content)
}

// Run 驱动会话直到终态。返回非 nil 仅表示该会话失败；
// 对应的终止事件在返回前已经尽力落盘。
func (e *Executor) Run(ctx context.Context) error {
	st := e.lc.State()

	if st.Conversation.Status == types.StatusCreated {
		if err := e.lc.Emit(event.ConversationStartPayload{
			Agents:        e.agents,
			InitialPrompt: e.cfg.InitialPrompt,
			MaxTurns:      e.cfg.MaxTurns,
		}); err != nil {
			return err
		}
	}

	for turn := st.Conversation.TurnCount + 1; turn <= e.cfg.MaxTurns; turn++ {
		stopped, err := e.lc.checkpoint(turn)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}

		if err := e.applyInterventions(turn); err != nil {
			return err
		}

		var turnUsage types.TokenUsage
		for i := range e.agents {
			usage, err := e.executeMessage(ctx, e.agents[i], turn)
			if err != nil {
				return e.finishWithError(err)
			}
			turnUsage.Add(usage)
		}

		scores := e.tracker.Score()
		if err := e.lc.Emit(event.TurnCompletePayload{
			TurnNumber:       turn,
			ConvergenceScore: scores.Overall,
			Metrics:          scores.Map(),
			Usage:            turnUsage,
		}); err != nil {
			return err
		}

		e.logger.Info("turn complete",
			zap.Int("turn", turn),
			zap.Float64("convergence", scores.Overall),
			zap.Int("total_tokens", turnUsage.TotalTokens))

		if e.cfg.ConvergenceThreshold > 0 && scores.Overall >= e.cfg.ConvergenceThreshold {
			return e.lc.Emit(event.ConversationEndPayload{
				Reason:    types.EndConvergence,
				TurnCount: turn,
			})
		}
	}

	return e.lc.Emit(event.ConversationEndPayload{
		Reason:    types.EndMaxTurns,
		TurnCount: st.Conversation.TurnCount,
	})
}

// finishWithError 把执行期错误落成终止事件。context-limit 是自然终点，
// 其余归入 failed。
func (e *Executor) finishWithError(cause error) error {
	st := e.lc.State()

	if types.IsContextLimit(cause) {
		return e.lc.Emit(event.ConversationEndPayload{
			Reason:    types.EndContextLimit,
			TurnCount: st.Conversation.TurnCount,
		})
	}
	if types.GetErrorCode(cause) == types.ErrLogWrite {
		// 日志已不可写，兜底事件在 Emit 内部已经尝试过了。
		return cause
	}

	e.logger.Error("conversation failed", zap.Error(cause))
	if err := e.lc.Emit(event.ConversationEndPayload{
		Reason:    types.EndError,
		TurnCount: st.Conversation.TurnCount,
		Error:     cause.Error(),
	}); err != nil {
		return err
	}
	return cause
}

// applyInterventions 把排队的人工消息写进历史。
func (e *Executor) applyInterventions(turn int) error {
	e.pendingMu.Lock()
	pending := e.interventions
	e.interventions = nil
	e.pendingMu.Unlock()

	for _, content := range pending {
		msg := types.NewIntervention(turn, content)
		if err := e.lc.Emit(event.InterventionPayload{Message: msg}); err != nil {
			return err
		}
	}
	return nil
}

// executeMessage 为单个 Agent 完成一次消息生成。
func (e *Executor) executeMessage(ctx context.Context, agent types.AgentConfig, turn int) (types.TokenUsage, error) {
	st := e.lc.State()

	view, err := e.routers[agent.AgentID].BuildView(agent.AgentID, st.History, e.systemPrompt(agent), e.cfg.ContextTokens)
	if err != nil {
		return types.TokenUsage{}, err
	}

	estimated, err := e.toks[agent.AgentID].CountMessages(view)
	if err != nil {
		estimated = 0
	}
	estimated += e.cfg.MaxResponseTokens

	if wait := e.limiter.Acquire(agent.ProviderID, estimated); wait > 0 {
		if err := e.lc.Emit(event.RateLimitWaitPayload{
			ProviderID: agent.ProviderID,
			WaitMs:     wait.Milliseconds(),
		}); err != nil {
			return types.TokenUsage{}, err
		}
		if err := ratelimit.Wait(ctx, wait); err != nil {
			return types.TokenUsage{}, types.NewError(types.ErrUpstreamTimeout, "pacing wait cancelled").WithCause(err)
		}
	}

	prov, err := e.providers.Get(agent.ProviderID)
	if err != nil {
		return types.TokenUsage{}, types.NewError(types.ErrInternalError, "resolve provider").WithCause(err)
	}

	req := &provider.Request{
		Model:       agent.ModelID,
		Messages:    view,
		Temperature: agent.Temperature,
		MaxTokens:   e.cfg.MaxResponseTokens,
	}

	var (
		content string
		partial string
		usage   types.TokenUsage
		emitErr error
		started = time.Now()
	)

	onRetry := func(attempt int, delay time.Duration, cause error) {
		if err := e.lc.Emit(event.RetryAttemptPayload{
			ProviderID: agent.ProviderID,
			TurnNumber: turn,
			Attempt:    attempt,
			DelayMs:    delay.Milliseconds(),
			Error:      cause.Error(),
		}); err != nil && emitErr == nil {
			emitErr = err
		}
	}

	err = retryDo(ctx, e.cfg.Retry, onRetry, func() error {
		if emitErr != nil {
			return emitErr
		}
		c, u, err := e.drainStream(ctx, prov, req, agent.AgentID, turn)
		if err != nil {
			if c != "" {
				// 保留失败前收到的部分内容，便于排查。
				partial = c
			}
			return err
		}
		content, usage = c, u
		return nil
	})
	if err != nil {
		if partial != "" {
			e.logger.Warn("stream failed with partial content received",
				zap.String("agent_id", agent.AgentID),
				zap.Int("turn", turn),
				zap.Int("partial_chars", len(partial)),
				zap.String("partial_preview", preview(partial, 200)))
		}
		return types.TokenUsage{}, err
	}

	msg := types.NewAgentMessage(agent.AgentID, turn, content)
	if err := e.lc.Emit(event.MessageCompletePayload{
		Message:    msg,
		Usage:      usage,
		Model:      agent.ModelID,
		DurationMs: time.Since(started).Milliseconds(),
	}); err != nil {
		return types.TokenUsage{}, err
	}
	e.tracker.Observe(msg)

	if e.metricsFn != nil {
		if m := e.metricsFn(msg); len(m) > 0 {
			if err := e.lc.Emit(event.MetricsRecordedPayload{
				TurnNumber: turn,
				AgentID:    agent.AgentID,
				Metrics:    m,
			}); err != nil {
				return types.TokenUsage{}, err
			}
		}
	}

	return usage, nil
}

// drainStream 消费一次流式响应，逐 chunk 发射事件并拼接内容。
// 返回的 content 在出错时是已收到的部分内容。
func (e *Executor) drainStream(ctx context.Context, prov provider.Provider, req *provider.Request, agentID string, turn int) (string, types.TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	ch, err := prov.Stream(ctx, req)
	if err != nil {
		return "", types.TokenUsage{}, err
	}

	var (
		b        strings.Builder
		usage    types.TokenUsage
		index    int
		finished bool
	)

	for chunk := range ch {
		if chunk.Err != nil {
			return b.String(), usage, chunk.Err
		}
		if chunk.Content != "" {
			if err := e.lc.Emit(event.MessageChunkPayload{
				AgentID:    agentID,
				TurnNumber: turn,
				Index:      index,
				Content:    chunk.Content,
			}); err != nil {
				return b.String(), usage, err
			}
			index++
			b.WriteString(chunk.Content)
		}
		if chunk.FinishReason != "" {
			finished = true
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	if !finished {
		// 流在收到结束标记前断开：按可重试的不完整读取处理。
		return b.String(), usage, types.NewError(types.ErrPartialStream, "stream ended without finish reason").
			WithProvider(prov.Name()).
			WithRetryable(true)
	}
	return b.String(), usage, nil
}

// preview 截取前 n 字节用于日志。
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// systemPrompt 按 Agent 替换提示词模板中的占位符。
func (e *Executor) systemPrompt(agent types.AgentConfig) string {
	name := agent.ChosenName
	if name == "" {
		name = agent.AgentID
	}

	partner := ""
	for _, a := range e.agents {
		if a.AgentID != agent.AgentID {
			partner = a.ChosenName
			if partner == "" {
				partner = a.AgentID
			}
		}
	}

	prompt := strings.ReplaceAll(e.cfg.SystemPromptTemplate, "{name}", name)
	prompt = strings.ReplaceAll(prompt, "{partner}", partner)
	return prompt
}
