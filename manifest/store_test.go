package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/types"
)

func applyAll(t *testing.T, s *Store, convID string, payloads ...event.Payload) {
	t.Helper()
	for i, p := range payloads {
		ev := event.New(convID, "exp-1", p)
		ev.Sequence = uint64(i + 1)
		require.NoError(t, s.Apply(ev))
	}
}

func TestStore_ApplyProjectsEvents(t *testing.T) {
	s, err := NewStore(t.TempDir(), "exp-1", nil)
	require.NoError(t, err)

	applyAll(t, s, "conv-1",
		event.ConversationStartPayload{InitialPrompt: "hi"},
		event.MessageCompletePayload{Usage: types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		event.TurnCompletePayload{TurnNumber: 1},
		event.ConversationEndPayload{Reason: types.EndMaxTurns, TurnCount: 1},
	)

	snap := s.Snapshot()
	require.Contains(t, snap, "conv-1")
	entry := snap["conv-1"]
	assert.Equal(t, types.StatusCompleted, entry.Status)
	assert.Equal(t, 1, entry.TurnCount)
	assert.Equal(t, 15, entry.Tokens.TotalTokens)
	assert.False(t, entry.LastUpdated.IsZero())
}

func TestStore_TransientEventsDoNotRewrite(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "exp-1", nil)
	require.NoError(t, err)

	applyAll(t, s, "conv-1", event.ConversationStartPayload{})
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	// chunk 等瞬态事件不影响摘要，清单文件不应被重写
	ev := event.New("conv-1", "exp-1", event.MessageChunkPayload{Content: "x"})
	ev.Sequence = 2
	require.NoError(t, s.Apply(ev))

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_ReloadsExistingManifest(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewStore(dir, "exp-1", nil)
	require.NoError(t, err)
	applyAll(t, s1, "conv-1",
		event.ConversationStartPayload{},
		event.ConversationEndPayload{Reason: types.EndStopped, TurnCount: 2},
	)

	// 进程重启后的新 Store 读回已有条目
	s2, err := NewStore(dir, "exp-1", nil)
	require.NoError(t, err)
	snap := s2.Snapshot()
	require.Contains(t, snap, "conv-1")
	assert.Equal(t, types.StatusStopped, snap["conv-1"].Status)
	assert.Equal(t, 2, snap["conv-1"].TurnCount)
}

func TestStore_CorruptManifestStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))

	s, err := NewStore(dir, "exp-1", nil)
	require.NoError(t, err, "清单只是缓存，损坏不应是致命错误")
	assert.Empty(t, s.Snapshot())
}

func TestStore_WriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "exp-1", nil)
	require.NoError(t, err)

	applyAll(t, s, "conv-1", event.ConversationStartPayload{})

	// 磁盘上只有完整的清单文件，没有残留的临时文件
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "exp-1", m.ExperimentID)

	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStore_ConversationIDsSorted(t *testing.T) {
	s, err := NewStore(t.TempDir(), "exp-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Set("conv-c", Entry{Status: types.StatusRunning}))
	require.NoError(t, s.Set("conv-a", Entry{Status: types.StatusRunning}))
	require.NoError(t, s.Set("conv-b", Entry{Status: types.StatusRunning}))

	assert.Equal(t, []string{"conv-a", "conv-b", "conv-c"}, s.ConversationIDs())
}
