package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/types"
)

// Log 按会话追加的事件日志。一个会话在进程生命周期内只允许存在
// 一个活跃的 Log 写入者，序号分配在 Append 内部与落盘原子完成，
// 不存在"先读后写"的计数器竞争。
type Log struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	seq    uint64
	mu     sync.Mutex
	closed bool
	fsync  bool
	logger *zap.Logger
}

// LogOption 配置 Log 行为。
type LogOption func(*Log)

// WithFsync 开启每次追加后的 fsync（默认只 flush 到内核缓冲）。
func WithFsync() LogOption {
	return func(l *Log) { l.fsync = true }
}

// OpenLog 打开（或创建）会话事件日志。若文件已有内容，
// 从最后一条可解析的事件恢复序号，用于崩溃后续写。
// 末尾的残缺字节（崩溃中途写入）在续写前被截掉，
// 避免后续追加与残字节合并成一条无法解析的行。
func OpenLog(dir, conversationID string, logger *zap.Logger, opts ...LogOption) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	lg := logger.With(zap.String("component", "event_log"), zap.String("conversation_id", conversationID))

	path := filepath.Join(dir, conversationID+".jsonl")
	lastSeq, validEnd, needNewline, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	if fi, statErr := os.Stat(path); statErr == nil && fi.Size() > validEnd {
		lg.Warn("discarding partial trailing bytes from interrupted write",
			zap.Int64("valid_bytes", validEnd),
			zap.Int64("discarded_bytes", fi.Size()-validEnd))
		if err := os.Truncate(path, validEnd); err != nil {
			return nil, fmt.Errorf("truncate partial log tail: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	if needNewline {
		// 最后一条事件完整可解析但缺换行（崩溃发生在写换行之前），
		// 补上分隔符而不是丢弃这条已落盘的事件。
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return nil, fmt.Errorf("terminate recovered log line: %w", err)
		}
	}

	l := &Log{
		path:   path,
		f:      f,
		w:      bufio.NewWriter(f),
		seq:    lastSeq,
		logger: lg,
	}
	for _, opt := range opts {
		opt(l)
	}

	if lastSeq > 0 {
		l.logger.Info("resuming existing event log", zap.Uint64("last_sequence", lastSeq))
	}
	return l, nil
}

// Path 返回日志文件路径。
func (l *Log) Path() string { return l.path }

// Append 分配下一个序号并把事件作为单行 JSON 持久化。
// 序号分配与写入在同一临界区内完成，保证会话内严格递增且无空洞。
// 写入失败对该会话是致命的，调用方必须终止会话。
func (l *Log) Append(ev *Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, types.NewError(types.ErrLogWrite, "event log closed")
	}

	ev.Sequence = l.seq + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, types.NewError(types.ErrLogWrite, "marshal event").WithCause(err)
	}

	if _, err := l.w.Write(data); err != nil {
		return 0, types.NewError(types.ErrLogWrite, "append event").WithCause(err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return 0, types.NewError(types.ErrLogWrite, "append event").WithCause(err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, types.NewError(types.ErrLogWrite, "flush event log").WithCause(err)
	}
	if l.fsync {
		if err := l.f.Sync(); err != nil {
			return 0, types.NewError(types.ErrLogWrite, "fsync event log").WithCause(err)
		}
	}

	l.seq = ev.Sequence
	return ev.Sequence, nil
}

// LastSequence 返回当前已分配的最大序号。
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close 刷新并释放文件句柄。
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// AppendFallback 主日志写入失败后的兜底路径：绕过常规 writer，
// 直接以 O_APPEND 尽力写入一条终止事件。失败只记日志不再上抛。
func AppendFallback(path string, ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
	_ = f.Sync()
}

// lastSequence 扫描已有日志，返回最后一条可解析事件的序号、
// 可解析前缀的字节长度，以及末行是否缺换行分隔符。
// 末尾的残缺行（崩溃中途写入）视为"日志到此为止"，不计入有效前缀。
func lastSequence(path string) (last uint64, validEnd int64, needNewline bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("open existing log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, rerr := r.ReadBytes('\n')
		if rerr != nil && rerr != io.EOF {
			return 0, 0, false, fmt.Errorf("scan existing log: %w", rerr)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var ev Event
			if json.Unmarshal(trimmed, &ev) != nil {
				// 残缺行：有效前缀到上一条完整事件为止。
				return last, validEnd, false, nil
			}
			last = ev.Sequence
			validEnd += int64(len(line))
			if rerr == io.EOF {
				// 完整事件但缺换行：保留事件，由调用方补分隔符。
				return last, validEnd, true, nil
			}
			continue
		}

		validEnd += int64(len(line))
		if rerr == io.EOF {
			return last, validEnd, false, nil
		}
	}
}
