package convergence

import "fmt"

// Profile 各相似度子项的权重配置。权重在计算时按总和归一化，
// 所以配置值只需表达相对比例。
type Profile struct {
	Name        string  `json:"name" yaml:"name"`
	Lexical     float64 `json:"lexical" yaml:"lexical"`
	Length      float64 `json:"length" yaml:"length"`
	Sentence    float64 `json:"sentence" yaml:"sentence"`
	Structural  float64 `json:"structural" yaml:"structural"`
	Punctuation float64 `json:"punctuation" yaml:"punctuation"`
}

// 内置权重档位。
var profiles = map[string]Profile{
	"balanced": {
		Name:    "balanced",
		Lexical: 0.30, Length: 0.15, Sentence: 0.20, Structural: 0.20, Punctuation: 0.15,
	},
	"lexical": {
		Name:    "lexical",
		Lexical: 0.60, Length: 0.10, Sentence: 0.10, Structural: 0.10, Punctuation: 0.10,
	},
	"structural": {
		Name:    "structural",
		Lexical: 0.10, Length: 0.15, Sentence: 0.25, Structural: 0.35, Punctuation: 0.15,
	},
}

// DefaultProfile 返回默认档位。
func DefaultProfile() Profile {
	return profiles["balanced"]
}

// ProfileByName 返回命名档位。
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown convergence profile: %s", name)
	}
	return p, nil
}

// total 权重之和，用于归一化。
func (p Profile) total() float64 {
	return p.Lexical + p.Length + p.Sentence + p.Structural + p.Punctuation
}
