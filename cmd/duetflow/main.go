// duetflow 命令行入口：运行实验、重建清单、导出分析库。
// 交互界面只通过事件总线订阅事件，对核心状态没有任何特权访问。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/config"
	"github.com/BaSui01/duetflow/event"
	"github.com/BaSui01/duetflow/experiment"
	"github.com/BaSui01/duetflow/internal/metrics"
	"github.com/BaSui01/duetflow/provider"
	"github.com/BaSui01/duetflow/ratelimit"
	"github.com/BaSui01/duetflow/replay"
	"github.com/BaSui01/duetflow/tokenizer"
)

func main() {
	var (
		configPath   = flag.String("config", "experiment.yaml", "experiment config file")
		rebuildDir   = flag.String("rebuild-manifest", "", "rebuild the manifest for an experiment directory and exit")
		exportDir    = flag.String("export", "", "export an experiment directory to the analytics store and exit")
		exportDB     = flag.String("export-db", "duetflow.db", "sqlite path used with -export")
		experimentID = flag.String("experiment-id", "", "experiment id override for -rebuild-manifest")
	)
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil && *rebuildDir == "" && *exportDir == "" {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := config.LogConfig{Level: "info", Format: "console"}
	if cfg != nil {
		logCfg = cfg.Log
	}
	logger, err := config.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *rebuildDir != "" {
		id := *experimentID
		if id == "" && cfg != nil {
			id = cfg.Experiment.ExperimentID
		}
		if _, err := replay.RebuildManifest(*rebuildDir, id, logger); err != nil {
			logger.Fatal("rebuild manifest failed", zap.Error(err))
		}
		return
	}

	if *exportDir != "" {
		runExport(*exportDir, *exportDB, logger)
		return
	}

	runExperiment(cfg, logger)
}

// runExport 把实验目录重放后导入 sqlite 分析库。
func runExport(dir, dbPath string, logger *zap.Logger) {
	states, err := replay.ReconstructExperiment(dir)
	if err != nil {
		logger.Fatal("reconstruct experiment failed", zap.Error(err))
	}

	exporter, err := replay.NewSQLiteExporter(dbPath, logger)
	if err != nil {
		logger.Fatal("open analytics store failed", zap.Error(err))
	}
	defer exporter.Close()

	for id, st := range states {
		if err := exporter.Export(st); err != nil {
			logger.Error("export conversation failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	logger.Info("export complete", zap.Int("conversations", len(states)))
}

// runExperiment 运行配置中的全部会话。
func runExperiment(cfg *config.Config, logger *zap.Logger) {
	tokenizer.RegisterOpenAITokenizers()

	bus := event.NewBus(logger)
	metrics.NewCollector("duetflow", prometheus.DefaultRegisterer, logger).Attach(bus)

	limiter := ratelimit.New(logger)
	for id, budget := range cfg.Providers {
		limiter.Register(id, budget)
	}

	providers := provider.NewRegistry()
	// 具体的 Provider 适配器（HTTP 封装、鉴权）在部署侧注册，
	// 核心只依赖 provider.Provider 接口。
	registerProviders(providers, cfg, logger)

	runner, err := experiment.NewRunner(cfg.Experiment, bus, providers, limiter, logger)
	if err != nil {
		logger.Fatal("init experiment failed", zap.Error(err))
	}
	defer runner.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt received, stopping at turn boundaries")
		runner.StopAll()
	}()

	results := runner.Run(ctx)
	for _, res := range results {
		if res.Err != nil {
			logger.Error("conversation failed",
				zap.String("conversation_id", res.ConversationID),
				zap.Error(res.Err))
		}
	}

	if cfg.Analytics.SQLitePath != "" {
		runExport(runner.Dir(), cfg.Analytics.SQLitePath, logger)
	}
}
