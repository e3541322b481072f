// Package manifest 维护实验级的小型状态摘要文件，供监控工具低成本读取。
//
// 清单是缓存而不是事实来源：丢失或损坏后可由 replay 包从事件日志完整重建。
// 写入采用"写临时文件 + 原子改名"，并发读取方永远看不到半写状态。
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/types"
)

// FileName 实验目录下的清单文件名。
const FileName = "manifest.json"

// Entry 单个会话的摘要投影。
type Entry struct {
	Status      types.Status     `json:"status"`
	TurnCount   int              `json:"turn_count"`
	Tokens      types.TokenUsage `json:"tokens"`
	LastUpdated time.Time        `json:"last_updated"`
}

// Manifest 清单文件的整体结构。
type Manifest struct {
	ExperimentID  string           `json:"experiment_id"`
	Conversations map[string]Entry `json:"conversations"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Store 清单存储。跨会话聚合，读-改-写循环由互斥锁串行化。
type Store struct {
	mu           sync.Mutex
	dir          string
	experimentID string
	entries      map[string]Entry
	logger       *zap.Logger
}

// NewStore 创建清单存储并加载已有清单（若存在）。
func NewStore(dir, experimentID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create experiment directory: %w", err)
	}

	s := &Store{
		dir:          dir,
		experimentID: experimentID,
		entries:      make(map[string]Entry),
		logger:       logger.With(zap.String("component", "manifest"), zap.String("experiment_id", experimentID)),
	}

	if err := s.load(); err != nil {
		// 清单只是缓存，读不出来就从零开始重建。
		s.logger.Warn("existing manifest unreadable, starting fresh", zap.Error(err))
		s.entries = make(map[string]Entry)
	}
	return s, nil
}

// Path 返回清单文件路径。
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Apply 把一个事件增量合并进清单并原子落盘。
// 只有影响摘要的事件才触发重写。
func (s *Store) Apply(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[ev.ConversationID]
	changed := false

	switch p := ev.Payload.(type) {
	case event.ConversationStartPayload:
		entry.Status = types.StatusRunning
		changed = true
	case event.MessageCompletePayload:
		entry.Tokens.Add(p.Usage)
		changed = true
	case event.TurnCompletePayload:
		entry.TurnCount = p.TurnNumber
		changed = true
	case event.ConversationPausedPayload:
		entry.Status = types.StatusPaused
		changed = true
	case event.ConversationResumedPayload:
		entry.Status = types.StatusRunning
		changed = true
	case event.ConversationEndPayload:
		switch p.Reason {
		case types.EndError:
			entry.Status = types.StatusFailed
		case types.EndStopped:
			entry.Status = types.StatusStopped
		default:
			entry.Status = types.StatusCompleted
		}
		entry.TurnCount = p.TurnCount
		changed = true
	}

	if !changed {
		return nil
	}

	entry.LastUpdated = ev.Timestamp
	s.entries[ev.ConversationID] = entry
	return s.write()
}

// Set 直接写入一个会话条目（重建清单时使用）。
func (s *Store) Set(conversationID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[conversationID] = entry
	return s.write()
}

// Snapshot 返回当前所有条目的拷贝，按会话 ID 排序。
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

// ConversationIDs 返回清单中的会话 ID（排序后）。
func (s *Store) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// load 读取磁盘上的清单。
func (s *Store) load() error {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.Conversations != nil {
		s.entries = m.Conversations
	}
	return nil
}

// write 原子写入：先写临时文件再 rename 到位。
func (s *Store) write() error {
	m := Manifest{
		ExperimentID:  s.experimentID,
		Conversations: s.entries,
		UpdatedAt:     time.Now(),
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := s.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
