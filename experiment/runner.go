// Package experiment 是顶层编排器：在有限并行度下运行一批会话，
// 维护实验清单，并保证单个会话失败不影响批次内其余会话。
package experiment

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/duetflow/conversation"
	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/manifest"
	"github.com/BaSui01/duetflow/provider"
	"github.com/BaSui01/duetflow/ratelimit"
	"github.com/BaSui01/duetflow/types"
)

// Definition 一个待运行的会话定义。ID 为空时自动生成。
type Definition struct {
	ID            string               `json:"id,omitempty" yaml:"id,omitempty"`
	Agents        [2]types.AgentConfig `json:"agents" yaml:"agents"`
	InitialPrompt string               `json:"initial_prompt,omitempty" yaml:"initial_prompt,omitempty"`
}

// Config 实验配置。
type Config struct {
	ExperimentID string              `json:"experiment_id" yaml:"experiment_id"`
	OutputDir    string              `json:"output_dir" yaml:"output_dir"`
	Parallelism  int                 `json:"parallelism" yaml:"parallelism"`
	Conversation conversation.Config `json:"conversation" yaml:"conversation"`
	Definitions  []Definition        `json:"conversations" yaml:"conversations"`
}

// Result 单个会话的运行结果。Err 非空表示该会话失败，
// 但不影响批次内的其他会话。
type Result struct {
	ConversationID string
	State          *conversation.State
	Err            error
}

// Runner 实验运行器。
type Runner struct {
	cfg       Config
	bus       *event.Bus
	providers *provider.Registry
	limiter   *ratelimit.Limiter
	store     *manifest.Store
	storeSub  string
	logger    *zap.Logger

	mu        sync.Mutex
	executors map[string]*conversation.Executor
	controls  map[string]*conversation.Lifecycle
}

// NewRunner 创建实验运行器并初始化清单存储。
// 清单通过订阅总线自动跟随事件更新。
func NewRunner(cfg Config, bus *event.Bus, providers *provider.Registry, limiter *ratelimit.Limiter, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	dir := filepath.Join(cfg.OutputDir, cfg.ExperimentID)
	store, err := manifest.NewStore(dir, cfg.ExperimentID, logger)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:       cfg,
		bus:       bus,
		providers: providers,
		limiter:   limiter,
		store:     store,
		logger:    logger.With(zap.String("component", "experiment"), zap.String("experiment_id", cfg.ExperimentID)),
		executors: make(map[string]*conversation.Executor),
		controls:  make(map[string]*conversation.Lifecycle),
	}

	// 清单作为普通监听者挂在总线上，没有任何特权访问。
	r.storeSub = bus.SubscribeAll(func(ev *event.Event) {
		if ev.ExperimentID != cfg.ExperimentID {
			return
		}
		if err := store.Apply(ev); err != nil {
			r.logger.Warn("manifest update failed", zap.Error(err))
		}
	})

	return r, nil
}

// Close 解除清单订阅。同一 Bus 上跑多个实验时，
// 用完的 Runner 不再继续监听总线。
func (r *Runner) Close() {
	r.bus.Unsubscribe(r.storeSub)
}

// Dir 返回实验目录。
func (r *Runner) Dir() string {
	return filepath.Join(r.cfg.OutputDir, r.cfg.ExperimentID)
}

// Manifest 返回清单存储。
func (r *Runner) Manifest() *manifest.Store { return r.store }

// Run 运行全部会话定义，返回逐会话结果。单个会话的失败被隔离在
// 它自己的 Result 里，批次始终跑完。
func (r *Runner) Run(ctx context.Context) []Result {
	results := make([]Result, len(r.cfg.Definitions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)

	for i, def := range r.cfg.Definitions {
		i, def := i, def
		g.Go(func() error {
			results[i] = r.runOne(ctx, def)
			// 失败隔离：错误进 Result，不让 errgroup 取消兄弟会话。
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	r.logger.Info("experiment finished",
		zap.Int("conversations", len(results)),
		zap.Int("failed", failed))
	return results
}

// runOne 在当前 goroutine 内完整拥有一个会话：日志句柄、状态、执行循环。
func (r *Runner) runOne(ctx context.Context, def Definition) Result {
	id := def.ID
	if id == "" {
		id = uuid.New().String()
	}

	log, err := event.OpenLog(r.Dir(), id, r.logger)
	if err != nil {
		return Result{ConversationID: id, Err: err}
	}
	defer log.Close()

	r.bus.AttachLog(id, log)
	defer r.bus.DetachLog(id)

	st := conversation.NewState(id, r.cfg.ExperimentID)
	lc := conversation.NewLifecycle(st, r.bus, log, r.logger)

	cfg := r.cfg.Conversation
	if def.InitialPrompt != "" {
		cfg.InitialPrompt = def.InitialPrompt
	}

	exec := conversation.NewExecutor(lc, def.Agents, r.providers, r.limiter, cfg, r.logger)

	r.mu.Lock()
	r.executors[id] = exec
	r.controls[id] = lc
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.executors, id)
		delete(r.controls, id)
		r.mu.Unlock()
	}()

	err = exec.Run(ctx)
	return Result{ConversationID: id, State: st, Err: err}
}

// Pause 请求暂停指定会话（轮边界生效）。
func (r *Runner) Pause(conversationID string) {
	if lc := r.control(conversationID); lc != nil {
		lc.RequestPause()
	}
}

// Resume 恢复指定会话。
func (r *Runner) Resume(conversationID string) {
	if lc := r.control(conversationID); lc != nil {
		lc.Resume()
	}
}

// Stop 请求停止指定会话（轮边界生效）。
func (r *Runner) Stop(conversationID string) {
	if lc := r.control(conversationID); lc != nil {
		lc.RequestStop()
	}
}

// StopAll 请求停止所有在途会话。
func (r *Runner) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lc := range r.controls {
		lc.RequestStop()
	}
}

// Inject 向指定会话排队一条人工介入消息。
func (r *Runner) Inject(conversationID, content string) {
	r.mu.Lock()
	exec := r.executors[conversationID]
	r.mu.Unlock()
	if exec != nil {
		exec.Inject(content)
	}
}

func (r *Runner) control(conversationID string) *conversation.Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controls[conversationID]
}
