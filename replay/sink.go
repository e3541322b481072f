package replay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/duetflow/conversation"
)

// Exporter 把重放得到的状态交给外部分析存储。
// 核心只保证重放确定且完整，存储引擎本身不在核心范围内。
type Exporter interface {
	Export(state *conversation.State) error
	Close() error
}

// ConversationRow 会话级汇总行。
type ConversationRow struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"uniqueIndex;size:64"`
	ExperimentID   string `gorm:"index;size:64"`
	Status         string `gorm:"size:16"`
	EndReason      string `gorm:"size:32"`
	TurnCount      int
	TotalTokens    int
	StartedAt      time.Time
	EndedAt        *time.Time
}

// TurnRow 每轮一行：双方消息 + 指标 + 收敛评分，JSON 列承载变长部分。
type TurnRow struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"index;size:64"`
	ExperimentID   string `gorm:"index;size:64"`
	TurnNumber     int    `gorm:"index"`
	Messages       string `gorm:"type:text"`
	Metrics        string `gorm:"type:text"`
	Convergence    float64
}

// SQLiteExporter 基于 gorm + sqlite 的默认导出实现。
type SQLiteExporter struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteExporter 打开（或创建）分析库并迁移表结构。
func NewSQLiteExporter(path string, logger *zap.Logger) (*SQLiteExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open analytics store: %w", err)
	}
	if err := db.AutoMigrate(&ConversationRow{}, &TurnRow{}); err != nil {
		return nil, fmt.Errorf("migrate analytics store: %w", err)
	}

	return &SQLiteExporter{
		db:     db,
		logger: logger.With(zap.String("component", "sqlite_exporter")),
	}, nil
}

// Export 写入一个会话的汇总行和逐轮行。重复导出同一会话会先清掉旧行，
// 保证导入幂等。
func (e *SQLiteExporter) Export(state *conversation.State) error {
	conv := state.Conversation

	return e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&ConversationRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&TurnRow{}).Error; err != nil {
			return err
		}

		row := ConversationRow{
			ConversationID: conv.ID,
			ExperimentID:   conv.ExperimentID,
			Status:         string(conv.Status),
			EndReason:      string(conv.EndReason),
			TurnCount:      conv.TurnCount,
			TotalTokens:    conv.Usage.TotalTokens,
			StartedAt:      conv.StartedAt,
			EndedAt:        conv.EndedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		turns, err := buildTurnRows(state)
		if err != nil {
			return err
		}
		if len(turns) > 0 {
			if err := tx.Create(&turns).Error; err != nil {
				return err
			}
		}

		e.logger.Debug("conversation exported",
			zap.String("conversation_id", conv.ID),
			zap.Int("turns", len(turns)))
		return nil
	})
}

// Close 关闭底层连接。
func (e *SQLiteExporter) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// buildTurnRows 把历史按轮号分组并拼装指标。
func buildTurnRows(state *conversation.State) ([]TurnRow, error) {
	conv := state.Conversation

	metricsByTurn := make(map[int]map[string]float64)
	for _, tm := range state.TurnMetrics {
		m := metricsByTurn[tm.TurnNumber]
		if m == nil {
			m = make(map[string]float64)
			metricsByTurn[tm.TurnNumber] = m
		}
		for k, v := range tm.Metrics {
			if tm.AgentID != "" {
				m[tm.AgentID+"."+k] = v
			} else {
				m[k] = v
			}
		}
	}

	byTurn := make(map[int][]jsonMessage)
	maxTurn := 0
	for _, msg := range state.History {
		if msg.TurnNumber == 0 {
			continue // 初始提示词不构成轮
		}
		byTurn[msg.TurnNumber] = append(byTurn[msg.TurnNumber], jsonMessage{
			AgentID:      msg.AgentID,
			Content:      msg.Content,
			Intervention: msg.Intervention,
			Timestamp:    msg.Timestamp,
		})
		if msg.TurnNumber > maxTurn {
			maxTurn = msg.TurnNumber
		}
	}

	rows := make([]TurnRow, 0, maxTurn)
	for turn := 1; turn <= maxTurn; turn++ {
		msgs, ok := byTurn[turn]
		if !ok {
			continue
		}
		msgJSON, err := json.Marshal(msgs)
		if err != nil {
			return nil, err
		}
		metricsJSON, err := json.Marshal(metricsByTurn[turn])
		if err != nil {
			return nil, err
		}
		rows = append(rows, TurnRow{
			ConversationID: conv.ID,
			ExperimentID:   conv.ExperimentID,
			TurnNumber:     turn,
			Messages:       string(msgJSON),
			Metrics:        string(metricsJSON),
			Convergence:    convergenceForTurn(state, turn),
		})
	}
	return rows, nil
}

type jsonMessage struct {
	AgentID      string    `json:"agent_id"`
	Content      string    `json:"content"`
	Intervention bool      `json:"intervention,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// convergenceForTurn 末轮取最终评分，其余轮的评分在 TurnMetrics 里。
func convergenceForTurn(state *conversation.State, turn int) float64 {
	if turn == state.Conversation.TurnCount {
		return state.LastConvergence
	}
	for _, tm := range state.TurnMetrics {
		if tm.TurnNumber == turn && tm.AgentID == "" {
			if v, ok := tm.Metrics["convergence_overall"]; ok {
				return v
			}
		}
	}
	return 0
}

var _ Exporter = (*SQLiteExporter)(nil)
