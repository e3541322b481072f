package main

import (
	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/config"
	"github.com/BaSui01/duetflow/provider"
)

// providerFactories 部署侧的适配器注册点。具体 Provider 的 HTTP 封装
// 不属于核心，构建定制二进制时在 init 中向这里注册工厂即可。
var providerFactories = map[string]func(logger *zap.Logger) provider.Provider{}

// registerProviders 为配置中出现的每个 provider_id 实例化适配器。
func registerProviders(reg *provider.Registry, cfg *config.Config, logger *zap.Logger) {
	for id := range cfg.Providers {
		factory, ok := providerFactories[id]
		if !ok {
			logger.Warn("no provider adapter registered", zap.String("provider_id", id))
			continue
		}
		reg.Register(id, factory(logger))
	}
}
