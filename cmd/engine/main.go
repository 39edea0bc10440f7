package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pomelo/internal/accounting"
	"pomelo/internal/common"
	"pomelo/internal/engine"
	"pomelo/internal/events"
	"pomelo/internal/manifest"
	"pomelo/internal/policy"
	"pomelo/internal/runtime"
	"pomelo/internal/server"
	"pomelo/internal/store"
	memorystore "pomelo/internal/store/memory"
	postgresstore "pomelo/internal/store/postgres"

	"go.uber.org/zap"
)

func main() {
	var (
		configFile = flag.String("config", "configs/engine.yaml", "Configuration file path")
	)
	flag.Parse()

	// 加载配置文件
	config, err := common.LoadConfig(*configFile)
	if err != nil {
		panic(err)
	}

	// 初始化日志系统
	if err := common.InitLoggerFromConfig(config); err != nil {
		panic(err)
	}
	defer common.Sync()

	logger := common.ComponentLogger("engine")
	logger.Info("Starting execution lifecycle engine",
		zap.String("config_file", *configFile),
		zap.String("store_type", config.Store.Type),
		zap.Int("port", config.Server.Port))

	ctx := context.Background()

	// 创建执行存储
	executionStore, err := newStore(ctx, config)
	if err != nil {
		logger.Fatal("Failed to create execution store", zap.Error(err))
	}
	defer executionStore.Close()

	// 组装引擎
	resolver := manifest.NewResolver(config.Engine, config.Quota.TenantCeiling())
	admission := policy.New(config.Quota.TenantCeiling(), config.Cluster.Capacity(),
		config.Quota.ConcurrentExecutions)
	accountant := accounting.New()
	clusterRuntime := runtime.NewHTTPClient(config.Cluster.BackendURL,
		common.ComponentLogger("cluster-runtime"))

	var publisher events.Publisher = events.NopPublisher{}
	if config.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(config.Kafka)
	}

	controller := engine.NewController(executionStore, resolver, admission,
		accountant, clusterRuntime, publisher, config.Engine)

	// 恢复存储中仍活跃的执行
	if err := controller.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover active executions", zap.Error(err))
	}

	httpServer := server.NewHTTPServer(controller, common.ComponentLogger("http-server"))

	// 优雅关闭处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		if err := httpServer.Stop(); err != nil {
			logger.Error("Error stopping HTTP server", zap.Error(err))
		}
		if err := controller.Stop(); err != nil {
			logger.Error("Error stopping controller", zap.Error(err))
		}
	}()

	// 启动服务
	if err := httpServer.Start(config.Server.Address, config.Server.Port); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}
}

// newStore 根据配置创建执行存储
func newStore(ctx context.Context, config *common.Config) (store.Store, error) {
	switch config.Store.Type {
	case "postgres":
		return postgresstore.New(ctx, config.Store.PostgresDSN)
	default:
		return memorystore.New(), nil
	}
}
