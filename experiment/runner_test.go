package experiment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/duetflow/conversation"
	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/provider"
	"github.com/BaSui01/duetflow/ratelimit"
	"github.com/BaSui01/duetflow/testutil/mocks"
	"github.com/BaSui01/duetflow/types"
)

func testConversationConfig() conversation.Config {
	cfg := conversation.DefaultConfig()
	cfg.MaxTurns = 2
	cfg.InitialPrompt = "Hello"
	cfg.Retry = conversation.RetryPolicy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func agentPair(providerA, providerB string) [2]types.AgentConfig {
	return [2]types.AgentConfig{
		{AgentID: "alpha", ModelID: "scripted", ProviderID: providerA},
		{AgentID: "beta", ModelID: "scripted", ProviderID: providerB},
	}
}

func TestRunner_RunBatch(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("ok", mocks.NewScriptedProvider("ok", "a perfectly ordinary reply"))

	cfg := Config{
		ExperimentID: "exp-batch",
		OutputDir:    t.TempDir(),
		Parallelism:  2,
		Conversation: testConversationConfig(),
		Definitions: []Definition{
			{ID: "conv-one", Agents: agentPair("ok", "ok")},
			{ID: "conv-two", Agents: agentPair("ok", "ok")},
		},
	}

	runner, err := NewRunner(cfg, event.NewBus(nil), reg, ratelimit.New(nil), nil)
	require.NoError(t, err)

	results := runner.Run(context.Background())
	require.Len(t, results, 2)
	for _, res := range results {
		assert.NoError(t, res.Err)
		require.NotNil(t, res.State)
		assert.Equal(t, types.StatusCompleted, res.State.Conversation.Status)
		assert.Equal(t, 2, res.State.Conversation.TurnCount)

		// 每个会话各自的事件日志落在实验目录下
		_, err := os.Stat(filepath.Join(runner.Dir(), res.ConversationID+".jsonl"))
		assert.NoError(t, err)
	}

	// 清单跟随事件自动更新
	snap := runner.Manifest().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, types.StatusCompleted, snap["conv-one"].Status)
	assert.Equal(t, types.StatusCompleted, snap["conv-two"].Status)
}

func TestRunner_FailureIsIsolated(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("ok", mocks.NewScriptedProvider("ok", "healthy response"))
	reg.Register("bad", mocks.NewScriptedProvider("bad", "never delivered").
		FailOnCall(0, 0, types.NewError(types.ErrAuthentication, "invalid key")))

	cfg := Config{
		ExperimentID: "exp-isolated",
		OutputDir:    t.TempDir(),
		Parallelism:  2,
		Conversation: testConversationConfig(),
		Definitions: []Definition{
			{ID: "conv-good", Agents: agentPair("ok", "ok")},
			{ID: "conv-bad", Agents: agentPair("bad", "ok")},
		},
	}

	runner, err := NewRunner(cfg, event.NewBus(nil), reg, ratelimit.New(nil), nil)
	require.NoError(t, err)

	results := runner.Run(context.Background())
	require.Len(t, results, 2)

	byID := make(map[string]Result)
	for _, res := range results {
		byID[res.ConversationID] = res
	}

	assert.NoError(t, byID["conv-good"].Err, "一个会话失败不应波及其他会话")
	assert.Equal(t, types.StatusCompleted, byID["conv-good"].State.Conversation.Status)

	require.Error(t, byID["conv-bad"].Err)
	assert.Equal(t, types.StatusFailed, byID["conv-bad"].State.Conversation.Status)

	snap := runner.Manifest().Snapshot()
	assert.Equal(t, types.StatusCompleted, snap["conv-good"].Status)
	assert.Equal(t, types.StatusFailed, snap["conv-bad"].Status)
}

func TestRunner_GeneratesConversationIDs(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("ok", mocks.NewScriptedProvider("ok", "short reply"))

	cfg := Config{
		ExperimentID: "exp-ids",
		OutputDir:    t.TempDir(),
		Conversation: testConversationConfig(),
		Definitions:  []Definition{{Agents: agentPair("ok", "ok")}},
	}

	runner, err := NewRunner(cfg, event.NewBus(nil), reg, ratelimit.New(nil), nil)
	require.NoError(t, err)

	results := runner.Run(context.Background())
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].ConversationID, "未指定 ID 时应自动生成")
}

func TestRunner_ControlUnknownConversationIsNoop(t *testing.T) {
	cfg := Config{
		ExperimentID: "exp-noop",
		OutputDir:    t.TempDir(),
		Conversation: testConversationConfig(),
	}
	runner, err := NewRunner(cfg, event.NewBus(nil), provider.NewRegistry(), ratelimit.New(nil), nil)
	require.NoError(t, err)

	// 对不存在的会话下控制指令不应 panic
	runner.Pause("ghost")
	runner.Resume("ghost")
	runner.Stop("ghost")
	runner.Inject("ghost", "note")
	runner.StopAll()

	assert.Empty(t, runner.Run(context.Background()))
}

func TestRunner_CloseDetachesManifestSubscriber(t *testing.T) {
	bus := event.NewBus(nil)
	cfg := Config{
		ExperimentID: "exp-close",
		OutputDir:    t.TempDir(),
		Conversation: testConversationConfig(),
	}
	runner, err := NewRunner(cfg, bus, provider.NewRegistry(), ratelimit.New(nil), nil)
	require.NoError(t, err)

	ev := event.New("conv-pre", "exp-close", event.ConversationStartPayload{})
	ev.Sequence = 1
	require.NoError(t, bus.Publish(ev))
	require.Len(t, runner.Manifest().Snapshot(), 1)

	// Close 之后同一总线上的事件不再进入该实验的清单
	runner.Close()
	ev2 := event.New("conv-post", "exp-close", event.ConversationStartPayload{})
	ev2.Sequence = 1
	require.NoError(t, bus.Publish(ev2))

	snap := runner.Manifest().Snapshot()
	require.Len(t, snap, 1)
	assert.Contains(t, snap, "conv-pre")
	assert.NotContains(t, snap, "conv-post")
}

func TestRunner_StopAllEndsConversations(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("ok", mocks.NewScriptedProvider("ok", "chatty response that keeps going"))

	convCfg := testConversationConfig()
	convCfg.MaxTurns = 50

	bus := event.NewBus(nil)
	cfg := Config{
		ExperimentID: "exp-stop",
		OutputDir:    t.TempDir(),
		Conversation: convCfg,
		Definitions:  []Definition{{ID: "conv-stop", Agents: agentPair("ok", "ok")}},
	}
	runner, err := NewRunner(cfg, bus, reg, ratelimit.New(nil), nil)
	require.NoError(t, err)

	// 第一轮结束后广播停止
	bus.Subscribe(event.KindTurnComplete, func(ev *event.Event) {
		if ev.Payload.(event.TurnCompletePayload).TurnNumber == 1 {
			runner.StopAll()
		}
	})

	results := runner.Run(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, types.StatusStopped, results[0].State.Conversation.Status)
	assert.Equal(t, 1, results[0].State.Conversation.TurnCount)
}
