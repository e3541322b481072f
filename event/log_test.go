package event

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/types"
)

func TestLog_AppendAssignsSequence(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	for i := 1; i <= 5; i++ {
		seq, err := log.Append(New("conv-1", "exp-1", MessageChunkPayload{AgentID: "a", TurnNumber: 1, Index: i, Content: "x"}))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq, "序号应严格递增且无空洞")
	}
	assert.Equal(t, uint64(5), log.LastSequence())
}

func TestLog_ReopenResumesSequence(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := log.Append(New("conv-1", "", ConversationPausedPayload{TurnNumber: i}))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// 重新打开后从最后一条可解析事件继续编号
	log2, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	defer log2.Close()

	seq, err := log2.Append(New("conv-1", "", ConversationResumedPayload{TurnNumber: 3}))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestLog_ReopenIgnoresTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := log.Append(New("conv-1", "", ConversationPausedPayload{TurnNumber: i}))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// 模拟崩溃：在末尾留下半截 JSON
	path := filepath.Join(dir, "conv-1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":3,"conversation_id":"conv-1","ki`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log2, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	defer log2.Close()
	assert.Equal(t, uint64(2), log2.LastSequence(), "残缺行应被视为日志终点")
}

func TestLog_AppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = log.Append(New("conv-1", "", ConversationPausedPayload{}))
	require.Error(t, err)
	assert.Equal(t, types.ErrLogWrite, types.GetErrorCode(err))
}

func TestAppendFallback_WritesDespiteClosedLog(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	_, err = log.Append(New("conv-1", "", ConversationPausedPayload{TurnNumber: 1}))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	end := New("conv-1", "", ConversationEndPayload{Reason: types.EndError, Error: "disk gone"})
	end.Sequence = 2
	AppendFallback(log.Path(), end)

	last, _, _, err := lastSequence(log.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestLog_ReopenAfterPartialWriteKeepsNewEvents(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := log.Append(New("conv-1", "", ConversationPausedPayload{TurnNumber: i}))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// 崩溃在半行处：残字节必须在续写前被清掉，
	// 否则恢复后的第一条事件会和残字节并成一条废行。
	path := filepath.Join(dir, "conv-1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":3,"conversation_id":"conv-1","ki`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log2, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	seq, err := log2.Append(New("conv-1", "", ConversationResumedPayload{TurnNumber: 2}))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	require.NoError(t, log2.Close())

	// 恢复后追加的事件必须能被重新扫描到
	last, _, _, err := lastSequence(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last, "恢复后写入的事件不应丢失")
}

func TestLog_ReopenAfterMissingTrailingNewline(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := log.Append(New("conv-1", "", ConversationPausedPayload{TurnNumber: i}))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// 崩溃发生在写完 JSON 之后、写换行之前：事件完整，只缺分隔符。
	path := filepath.Join(dir, "conv-1.jsonl")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-1))

	log2, err := OpenLog(dir, "conv-1", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), log2.LastSequence(), "完整但缺换行的事件不应被丢弃")

	seq, err := log2.Append(New("conv-1", "", ConversationResumedPayload{TurnNumber: 2}))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	require.NoError(t, log2.Close())

	last, _, _, err := lastSequence(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}
