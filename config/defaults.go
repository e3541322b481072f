package config

import (
	"github.com/BaSui01/duetflow/conversation"
	"github.com/BaSui01/duetflow/experiment"
	"github.com/BaSui01/duetflow/ratelimit"
)

// Default 返回完整的默认配置。
func Default() *Config {
	return &Config{
		Experiment: experiment.Config{
			OutputDir:    "./experiments",
			Parallelism:  1,
			Conversation: conversation.DefaultConfig(),
		},
		Providers: map[string]ratelimit.Budget{},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
