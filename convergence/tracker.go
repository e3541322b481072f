// Package convergence 维护两个 Agent 最近消息的滑动窗口，
// 每轮结束后计算一个 [0,1] 的结构/词汇相似度评分。
//
// 只看最近 N 轮（默认 10），从不回扫全量历史，单次计算代价 O(window)。
// 喂给两个不同长度历史的相同后缀会得到完全相同的评分。
package convergence

import (
	"math"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/types"
)

// DefaultWindow 滑动窗口默认长度（每个 Agent 保留的最近消息数）。
const DefaultWindow = 10

// Scores 一次评分的明细。
type Scores struct {
	Overall     float64 `json:"overall"`
	Lexical     float64 `json:"lexical"`
	Length      float64 `json:"length"`
	Sentence    float64 `json:"sentence"`
	Structural  float64 `json:"structural"`
	Punctuation float64 `json:"punctuation"`
}

// Map 把明细转为指标 payload 用的扁平映射。
func (s Scores) Map() map[string]float64 {
	return map[string]float64{
		"convergence_overall":     s.Overall,
		"convergence_lexical":     s.Lexical,
		"convergence_length":      s.Length,
		"convergence_sentence":    s.Sentence,
		"convergence_structural":  s.Structural,
		"convergence_punctuation": s.Punctuation,
	}
}

// Tracker 收敛度追踪器。
type Tracker struct {
	mu      sync.RWMutex
	window  int
	profile Profile
	recent  map[string][]string // agentID -> 最近消息内容
	logger  *zap.Logger
}

// NewTracker 创建追踪器。window <= 0 时使用 DefaultWindow。
func NewTracker(window int, profile Profile, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if profile.total() <= 0 {
		profile = DefaultProfile()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		window:  window,
		profile: profile,
		recent:  make(map[string][]string),
		logger:  logger.With(zap.String("component", "convergence")),
	}
}

// Observe 把一条消息并入对应 Agent 的窗口。
func (t *Tracker) Observe(msg types.Message) {
	if msg.Intervention {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := append(t.recent[msg.AgentID], msg.Content)
	if len(w) > t.window {
		w = w[len(w)-t.window:]
	}
	t.recent[msg.AgentID] = w
}

// Update 并入一轮的两条消息并返回总评分。
func (t *Tracker) Update(a, b types.Message) float64 {
	t.Observe(a)
	t.Observe(b)
	return t.Score().Overall
}

// Score 基于当前窗口计算评分明细。窗口不足两方时返回零值。
func (t *Tracker) Score() Scores {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var windows [][]string
	for _, w := range t.recent {
		if len(w) > 0 {
			windows = append(windows, w)
		}
	}
	if len(windows) < 2 {
		return Scores{}
	}

	a := strings.Join(windows[0], "\n")
	b := strings.Join(windows[1], "\n")
	// map 遍历无序，按内容排序保证确定性。
	if a > b {
		a, b = b, a
	}

	s := Scores{
		Lexical:     lexicalOverlap(a, b),
		Length:      lengthRatio(a, b),
		Sentence:    sentencePattern(a, b),
		Structural:  structural(a, b),
		Punctuation: punctuation(a, b),
	}

	p := t.profile
	s.Overall = clamp01((s.Lexical*p.Lexical +
		s.Length*p.Length +
		s.Sentence*p.Sentence +
		s.Structural*p.Structural +
		s.Punctuation*p.Punctuation) / p.total())
	return s
}

// Reset 清空所有窗口。
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent = make(map[string][]string)
}

// --- 子评分，全部有界 [0,1] ---

// lexicalOverlap 词集合的 Jaccard 相似度。
func lexicalOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// lengthRatio 总长度之比（短/长）。
func lengthRatio(a, b string) float64 {
	la, lb := float64(len(a)), float64(len(b))
	if la == 0 || lb == 0 {
		return 0
	}
	return math.Min(la, lb) / math.Max(la, lb)
}

// sentencePattern 平均句长之比。
func sentencePattern(a, b string) float64 {
	sa, sb := avgSentenceLen(a), avgSentenceLen(b)
	if sa == 0 || sb == 0 {
		return 0
	}
	return math.Min(sa, sb) / math.Max(sa, sb)
}

// structural 行数结构之比。
func structural(a, b string) float64 {
	la := float64(len(strings.Split(a, "\n")))
	lb := float64(len(strings.Split(b, "\n")))
	return math.Min(la, lb) / math.Max(la, lb)
}

// punctuation 标点频率向量的余弦相似度。
func punctuation(a, b string) float64 {
	va := punctVector(a)
	vb := punctVector(b)

	var dot, na, nb float64
	for ch, ca := range va {
		if cb, ok := vb[ch]; ok {
			dot += ca * cb
		}
		na += ca * ca
	}
	for _, cb := range vb {
		nb += cb * cb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

func avgSentenceLen(s string) float64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？'
	})
	if len(parts) == 0 {
		return 0
	}
	total := 0
	for _, p := range parts {
		total += len(strings.TrimSpace(p))
	}
	return float64(total) / float64(len(parts))
}

func punctVector(s string) map[rune]float64 {
	v := make(map[rune]float64)
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			v[r]++
		}
	}
	return v
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
