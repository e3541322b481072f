// Package tokenizer 提供统一的 token 计数接口：对已知模型使用 tiktoken
// 精确计数，未知模型回退到区分 CJK/ASCII 的字符估算器。
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/BaSui01/duetflow/types"
)

// Tokenizer 统一的 token 计数接口。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数。
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，
	// 包括每条消息的开销（角色标记、分隔符等）。
	CountMessages(messages []types.Message) (int, error)

	// MaxTokens 返回模型的最大上下文长度。
	MaxTokens() int

	// Name 返回分词器的名称。
	Name() string
}

// 全局分词器注册表。
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// Register 为给定的模型名称注册分词器。
func Register(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// Get 返回为给定模型注册的分词器，支持前缀匹配
// （如 "gpt-4o" 匹配 "gpt-4o-mini"）。
func Get(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	for prefix, t := range modelTokenizers {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return t, nil
		}
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// ForModel 返回该模型的分词器；未注册时回退到通用估算器。
func ForModel(model string) Tokenizer {
	t, err := Get(model)
	if err != nil {
		return NewEstimator(model, 0)
	}
	return t
}
