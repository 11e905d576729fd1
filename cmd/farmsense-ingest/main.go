package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"farmsense-ingest/internal/config"
	"farmsense-ingest/internal/logger"
	"farmsense-ingest/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "farmsense-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting farmsense-ingest service",
		zap.String("readings_stream", cfg.Ingest.Streams.Readings),
		zap.String("provisioning_stream", cfg.Ingest.Streams.Provisioning),
		zap.String("alerts_stream", cfg.Alerts.Stream),
		zap.Duration("flush_window", cfg.Ingest.FlushWindow),
		zap.Float64("grace_multiplier", cfg.Liveness.GraceMultiplier),
	)

	// 创建服务
	ingestService, err := service.NewIngestService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create ingest service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start ingest service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := ingestService.Stop(context.Background()); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
