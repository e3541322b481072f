package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/duetflow/tokenizer"
	"github.com/BaSui01/duetflow/types"
)

func sampleHistory() []types.Message {
	return []types.Message{
		types.NewAgentMessage("alpha", 1, "hi from alpha"),
		types.NewAgentMessage("beta", 1, "hi from beta"),
		types.NewIntervention(1, "steer the topic"),
		types.NewAgentMessage("alpha", 2, "second from alpha"),
	}
}

func TestBuildView_PerspectiveTransform(t *testing.T) {
	r := New(tokenizer.NewEstimator("generic", 0), nil)

	view, err := r.BuildView("alpha", sampleHistory(), "you are alpha", 100000)
	require.NoError(t, err)
	require.Len(t, view, 5)

	// 第一条永远是系统提示词
	assert.Equal(t, types.RoleSystem, view[0].Role)
	assert.Equal(t, "you are alpha", view[0].Content)

	// 自己的消息 -> assistant，对方 -> user，介入 -> user
	assert.Equal(t, types.RoleAssistant, view[1].Role)
	assert.Equal(t, types.RoleUser, view[2].Role)
	assert.Equal(t, types.RoleUser, view[3].Role)
	assert.True(t, view[3].Intervention)
	assert.Contains(t, view[3].Content, types.InterventionMarker)
	assert.Equal(t, types.RoleAssistant, view[4].Role)
}

func TestBuildView_PerspectivesMirror(t *testing.T) {
	r := New(tokenizer.NewEstimator("generic", 0), nil)
	history := sampleHistory()

	va, err := r.BuildView("alpha", history, "sys", 100000)
	require.NoError(t, err)
	vb, err := r.BuildView("beta", history, "sys", 100000)
	require.NoError(t, err)

	// 同一条非介入消息在两个视角下角色互补
	for i := 1; i < len(va); i++ {
		if va[i].Intervention {
			assert.Equal(t, types.RoleUser, va[i].Role)
			assert.Equal(t, types.RoleUser, vb[i].Role)
			continue
		}
		assert.NotEqual(t, va[i].Role, vb[i].Role, "消息 %d 的角色应互补", i)
	}
}

func TestBuildView_TruncatesOldestFirst(t *testing.T) {
	r := New(tokenizer.NewEstimator("generic", 0), nil)

	// 每条 1 token 内容，估算器计 5 token/条，末尾 +3，系统提示共 8。
	history := make([]types.Message, 0, 6)
	for i := 0; i < 6; i++ {
		agent := "alpha"
		if i%2 == 1 {
			agent = "beta"
		}
		history = append(history, types.NewAgentMessage(agent, i/2+1, "x"))
	}

	view, err := r.BuildView("alpha", history, "sys", 30)
	require.NoError(t, err)

	// 预算 30 - 系统 8 = 22，能放 3 条（5*3+3=18），丢最旧的 3 条
	require.Len(t, view, 4)
	assert.Equal(t, types.RoleSystem, view[0].Role)
	assert.Equal(t, history[3].AgentID, view[1].AgentID)
	assert.Equal(t, history[5].AgentID, view[3].AgentID)
}

func TestBuildView_SystemPromptNeverDropped(t *testing.T) {
	r := New(tokenizer.NewEstimator("generic", 0), nil)
	history := []types.Message{types.NewAgentMessage("beta", 1, "x")}

	// 预算刚好只够系统提示词 + 1 条消息
	view, err := r.BuildView("alpha", history, "sys", 16)
	require.NoError(t, err)
	require.NotEmpty(t, view)
	assert.Equal(t, types.RoleSystem, view[0].Role)
}

func TestBuildView_ContextTooLong(t *testing.T) {
	r := New(tokenizer.NewEstimator("generic", 0), nil)

	t.Run("latest exchange does not fit", func(t *testing.T) {
		history := []types.Message{
			types.NewAgentMessage("beta", 1, strings.Repeat("long message ", 100)),
		}
		_, err := r.BuildView("alpha", history, "sys", 20)
		require.Error(t, err)
		assert.Equal(t, types.ErrContextTooLong, types.GetErrorCode(err))
	})

	t.Run("only one side of the exchange fits", func(t *testing.T) {
		// 一次交换是双方各一条：只装得下一条时同样视为超限，
		// 而不是退化成单方上下文继续跑。
		history := []types.Message{
			types.NewAgentMessage("alpha", 1, "x"),
			types.NewAgentMessage("beta", 1, "x"),
		}
		// 系统 8 token，剩余 10：单条后缀 8 放得下，两条 13 放不下
		_, err := r.BuildView("alpha", history, "sys", 18)
		require.Error(t, err)
		assert.Equal(t, types.ErrContextTooLong, types.GetErrorCode(err))
	})

	t.Run("intervention does not count as the partner message", func(t *testing.T) {
		history := []types.Message{
			types.NewAgentMessage("alpha", 1, "x"),
			types.NewAgentMessage("beta", 1, "x"),
			types.NewIntervention(1, "note"),
		}
		// 介入排在末尾时，最近一次交换仍是前面两条 Agent 消息：
		// 预算装得下介入 + 一条消息，但装不下完整交换，同样超限
		_, err := r.BuildView("alpha", history, "sys", 24)
		require.Error(t, err)
		assert.Equal(t, types.ErrContextTooLong, types.GetErrorCode(err))
	})

	t.Run("system prompt alone exceeds budget", func(t *testing.T) {
		_, err := r.BuildView("alpha", nil, strings.Repeat("verbose system prompt ", 50), 10)
		require.Error(t, err)
		assert.Equal(t, types.ErrContextTooLong, types.GetErrorCode(err))
	})
}

func TestBuildView_EmptyHistory(t *testing.T) {
	r := New(nil, nil)

	view, err := r.BuildView("alpha", nil, "sys", 1000)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, types.RoleSystem, view[0].Role)
}
