// Package config 提供统一配置加载：默认值 → YAML 文件 → 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("experiment.yaml").
//	    WithEnvPrefix("DUETFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/duetflow/experiment"
	"github.com/BaSui01/duetflow/ratelimit"
)

// Config 完整的运行配置。
type Config struct {
	// Experiment 实验与会话配置
	Experiment experiment.Config `yaml:"experiment"`

	// Providers 各 Provider 的吞吐预算，键为 provider_id
	Providers map[string]ratelimit.Budget `yaml:"providers"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Analytics 分析导出配置
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// LogConfig 日志配置。
type LogConfig struct {
	// 级别: debug/info/warn/error
	Level string `yaml:"level"`
	// 格式: json/console
	Format string `yaml:"format"`
}

// AnalyticsConfig 分析导出配置。
type AnalyticsConfig struct {
	// SQLite 数据库路径，为空则不导出
	SQLitePath string `yaml:"sqlite_path"`
}

// Loader 配置加载器。
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建配置加载器。
func NewLoader() *Loader {
	return &Loader{envPrefix: "DUETFLOW"}
}

// WithConfigPath 指定 YAML 配置文件路径。
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 指定环境变量前缀。
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 按优先级加载配置并校验。
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖常用标量字段。
func (l *Loader) applyEnv(cfg *Config) {
	if v := os.Getenv(l.envPrefix + "_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(l.envPrefix + "_OUTPUT_DIR"); v != "" {
		cfg.Experiment.OutputDir = v
	}
	if v := os.Getenv(l.envPrefix + "_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Experiment.Parallelism = n
		}
	}
	if v := os.Getenv(l.envPrefix + "_SQLITE_PATH"); v != "" {
		cfg.Analytics.SQLitePath = v
	}
}

// Validate 校验配置一致性。
func (c *Config) Validate() error {
	if c.Experiment.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if c.Experiment.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Experiment.Conversation.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive")
	}
	for i, def := range c.Experiment.Definitions {
		for _, a := range def.Agents {
			if a.AgentID == "" {
				return fmt.Errorf("conversation %d: agent_id is required", i)
			}
			if a.ProviderID == "" {
				return fmt.Errorf("conversation %d: provider_id is required for agent %s", i, a.AgentID)
			}
		}
		if def.Agents[0].AgentID == def.Agents[1].AgentID {
			return fmt.Errorf("conversation %d: agents must have distinct ids", i)
		}
	}
	return nil
}
