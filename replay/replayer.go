// Package replay 从事件日志重建派生状态：崩溃恢复与分析导入共用同一条路径。
//
// 重放严格按序折叠事件，折叠逻辑与在线状态机是同一份（conversation.Fold），
// 所以同一份日志无论在线还是离线折叠，产出的状态逐字节一致。
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/conversation"
	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/manifest"
	"github.com/BaSui01/duetflow/types"
)

// maxLineSize 单条事件行的扫描上限。消息体可能很长，按 8MB 预留。
const maxLineSize = 8 * 1024 * 1024

// ReadLog 读取日志中的全部可解析事件。末尾残缺或无法解析的行
// 视为"日志到此为止"而不是错误；中段序号断裂才是损坏。
func ReadLog(path string) ([]*event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []*event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// 崩溃中途写入的残行，在这里截断。
			break
		}
		if n := len(events); n > 0 && ev.Sequence != events[n-1].Sequence+1 {
			return nil, types.NewError(types.ErrLogCorrupt,
				fmt.Sprintf("sequence gap: %d -> %d", events[n-1].Sequence, ev.Sequence))
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Reconstruct 把一份会话日志折叠成完整状态。
func Reconstruct(logPath string) (*conversation.State, error) {
	events, err := ReadLog(logPath)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, types.NewError(types.ErrLogCorrupt, "empty event log")
	}

	st := conversation.NewState(events[0].ConversationID, events[0].ExperimentID)
	for _, ev := range events {
		conversation.Fold(st, ev)
	}
	return st, nil
}

// ReconstructExperiment 重建实验目录下所有会话的状态。
func ReconstructExperiment(dir string) (map[string]*conversation.State, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	states := make(map[string]*conversation.State, len(paths))
	for _, p := range paths {
		st, err := Reconstruct(p)
		if err != nil {
			return nil, fmt.Errorf("reconstruct %s: %w", filepath.Base(p), err)
		}
		states[st.Conversation.ID] = st
	}
	return states, nil
}

// RebuildManifest 从事件日志完整再生实验清单（清单丢失/损坏时的恢复路径）。
func RebuildManifest(dir, experimentID string, logger *zap.Logger) (*manifest.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	states, err := ReconstructExperiment(dir)
	if err != nil {
		return nil, err
	}

	// 先移除旧清单，避免与重建结果混叠。
	_ = os.Remove(filepath.Join(dir, manifest.FileName))

	store, err := manifest.NewStore(dir, experimentID, logger)
	if err != nil {
		return nil, err
	}

	for id, st := range states {
		entry := manifest.Entry{
			Status:    st.Conversation.Status,
			TurnCount: st.Conversation.TurnCount,
			Tokens:    st.Conversation.Usage,
		}
		if st.Conversation.EndedAt != nil {
			entry.LastUpdated = *st.Conversation.EndedAt
		} else {
			entry.LastUpdated = st.Conversation.StartedAt
		}
		if err := store.Set(id, entry); err != nil {
			return nil, err
		}
	}

	logger.Info("manifest rebuilt from event logs",
		zap.String("experiment_id", experimentID),
		zap.Int("conversations", len(states)))
	return store, nil
}

// ConversationIDFromPath 从日志文件名推出会话 ID。
func ConversationIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}
