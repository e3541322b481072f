package replay

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestExporter(t *testing.T) *SQLiteExporter {
	t.Helper()
	exporter, err := NewSQLiteExporter(filepath.Join(t.TempDir(), "analytics.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { exporter.Close() })
	return exporter
}

func TestSQLiteExporter_ExportConversation(t *testing.T) {
	dir := t.TempDir()
	state := runConversation(t, dir, "conv-export")

	exporter := openTestExporter(t)
	require.NoError(t, exporter.Export(state))

	var convRow ConversationRow
	require.NoError(t, exporter.db.Where("conversation_id = ?", "conv-export").First(&convRow).Error)
	assert.Equal(t, "completed", convRow.Status)
	assert.Equal(t, "max_turns", convRow.EndReason)
	assert.Equal(t, 3, convRow.TurnCount)
	assert.Greater(t, convRow.TotalTokens, 0)
	require.NotNil(t, convRow.EndedAt)

	var turns []TurnRow
	require.NoError(t, exporter.db.Where("conversation_id = ?", "conv-export").Order("turn_number").Find(&turns).Error)
	require.Len(t, turns, 3)

	// 每轮两条消息，JSON 列可解析
	var msgs []jsonMessage
	require.NoError(t, json.Unmarshal([]byte(turns[0].Messages), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "alpha", msgs[0].AgentID)
	assert.Equal(t, "beta", msgs[1].AgentID)

	var metrics map[string]float64
	require.NoError(t, json.Unmarshal([]byte(turns[0].Metrics), &metrics))
	assert.Contains(t, metrics, "convergence_overall")
	assert.Contains(t, metrics, "alpha.chars")
}

func TestSQLiteExporter_ExportIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	state := runConversation(t, dir, "conv-idem")

	exporter := openTestExporter(t)
	require.NoError(t, exporter.Export(state))
	require.NoError(t, exporter.Export(state))

	var convCount, turnCount int64
	require.NoError(t, exporter.db.Model(&ConversationRow{}).Where("conversation_id = ?", "conv-idem").Count(&convCount).Error)
	require.NoError(t, exporter.db.Model(&TurnRow{}).Where("conversation_id = ?", "conv-idem").Count(&turnCount).Error)

	assert.Equal(t, int64(1), convCount, "重复导出不应产生重复行")
	assert.Equal(t, int64(3), turnCount)
}
