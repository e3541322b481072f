// ScriptedProvider 是 Provider 的测试模拟实现。
//
// 支持固定脚本响应、流式分片输出与错误注入场景。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/duetflow/provider"
	"github.com/BaSui01/duetflow/types"
)

// streamFault 注入到某次调用的流错误。
type streamFault struct {
	afterChunks int
	err         *types.Error
}

// ScriptedProvider 按脚本逐次返回响应的模拟 Provider。
type ScriptedProvider struct {
	mu sync.Mutex

	name      string
	responses []string
	chunkSize int

	// 错误注入：调用序号（从 0 开始）-> 故障
	faults map[int]streamFault

	// 调用记录
	calls    int
	requests []*provider.Request
}

// NewScriptedProvider 创建脚本化 Provider。responses 按调用次数依次使用，
// 用尽后循环。
func NewScriptedProvider(name string, responses ...string) *ScriptedProvider {
	if len(responses) == 0 {
		responses = []string{"ok"}
	}
	return &ScriptedProvider{
		name:      name,
		responses: responses,
		chunkSize: 8,
		faults:    make(map[int]streamFault),
	}
}

// WithChunkSize 设置每个流式分片的字符数。
func (p *ScriptedProvider) WithChunkSize(n int) *ScriptedProvider {
	p.chunkSize = n
	return p
}

// FailOnCall 在第 call 次调用（从 0 开始）输出 afterChunks 个分片后注入错误。
func (p *ScriptedProvider) FailOnCall(call, afterChunks int, err *types.Error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[call] = streamFault{afterChunks: afterChunks, err: err}
	return p
}

// Name 实现 provider.Provider。
func (p *ScriptedProvider) Name() string { return p.name }

// Stream 实现 provider.Provider。
func (p *ScriptedProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	response := p.responses[call%len(p.responses)]
	fault, hasFault := p.faults[call]
	chunkSize := p.chunkSize
	p.mu.Unlock()

	ch := make(chan provider.StreamChunk, 16)
	go func() {
		defer close(ch)

		sent := 0
		runes := []rune(response)
		for i := 0; i < len(runes); i += chunkSize {
			if hasFault && sent >= fault.afterChunks {
				ch <- provider.StreamChunk{Err: fault.err}
				return
			}

			end := i + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case ch <- provider.StreamChunk{Content: string(runes[i:end])}:
				sent++
			case <-ctx.Done():
				return
			}
		}

		if hasFault && fault.afterChunks >= sent {
			ch <- provider.StreamChunk{Err: fault.err}
			return
		}

		promptTokens := 0
		for _, m := range req.Messages {
			promptTokens += len(m.Content)/4 + 4
		}
		completionTokens := len(response)/4 + 1
		ch <- provider.StreamChunk{
			FinishReason: "stop",
			Usage: &types.TokenUsage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		}
	}()
	return ch, nil
}

// Calls 返回 Stream 被调用的次数。
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests 返回记录下来的所有请求。
func (p *ScriptedProvider) Requests() []*provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*provider.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

var _ provider.Provider = (*ScriptedProvider)(nil)
