// Package provider 定义外部补全服务的最小流式契约。
// 核心只依赖这个接口，不依赖任何具体 Provider 实现；
// HTTP 封装、鉴权、请求格式化都在实现方完成。
package provider

import (
	"context"

	"github.com/BaSui01/duetflow/types"
)

// Request 一次流式补全请求。Messages 已经是请求方视角
// （自己的历史为 assistant，对方为 user），由 router 负责变换。
type Request struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// StreamChunk 流式响应的一个增量。最后一个 chunk 携带 usage 汇总；
// Err 非空表示流在该点失败，之前收到的内容仍然有效。
type StreamChunk struct {
	Content      string            `json:"content,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *types.TokenUsage `json:"usage,omitempty"`
	Err          *types.Error      `json:"error,omitempty"`
}

// Provider 统一的补全服务接口。实现方保证：通道在流结束或失败后关闭；
// 核心从不在流中途重试，只会整体重发请求。
type Provider interface {
	// Stream 发起流式补全请求，返回增量通道。
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识。
	Name() string
}
