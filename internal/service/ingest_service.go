package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"farmsense-ingest/internal/alertsink"
	"farmsense-ingest/internal/catalog"
	"farmsense-ingest/internal/config"
	"farmsense-ingest/internal/consumer"
	"farmsense-ingest/internal/database"
	"farmsense-ingest/internal/export"
	"farmsense-ingest/internal/ingest"
	"farmsense-ingest/internal/ingress"
	"farmsense-ingest/internal/liveness"
	mqttclient "farmsense-ingest/internal/mqtt"
	"farmsense-ingest/internal/partition"
	"farmsense-ingest/internal/redisutil"
	"farmsense-ingest/internal/repository"
	"farmsense-ingest/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// IngestService 摄取服务：组装并运行摄取核心的全部组件
type IngestService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttclient.Client

	catalog     *catalog.Catalog
	devices     *repository.DevicesRepository
	alerts      *repository.AlertsRepository
	partitions  *partition.Manager
	store       *store.Store
	tracker     *liveness.Tracker
	coordinator *ingest.Coordinator
	exporter    *export.Exporter

	readingConsumer      *consumer.ReadingConsumer
	provisioningConsumer *consumer.ProvisioningConsumer
	mqttIngress          *ingress.MQTTIngress

	wg sync.WaitGroup
}

// NewIngestService 创建摄取服务
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redisutil.NewRedisClient(&cfg.Redis)
	if err := redisutil.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Repository
	devicesRepo := repository.NewDevicesRepository(db, logger)
	partitionsRepo := repository.NewPartitionsRepository(db, logger)
	readingsRepo := repository.NewReadingsRepository(db, logger)
	rollupsRepo := repository.NewRollupsRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)

	// 租户目录（Redis 缓存 + Postgres 回源）
	tenantCatalog := catalog.NewCatalog(devicesRepo, redisClient, cfg.Catalog.CacheTTL, logger)

	// 分区管理器
	partitionManager := partition.NewManager(
		partitionsRepo,
		readingsRepo,
		rollupsRepo,
		cfg.Partition.LookAhead,
		cfg.Partition.AggregateAfter,
		cfg.Partition.Retention,
		logger,
	)

	// 租户隔离存储
	tenantStore := store.NewStore(tenantCatalog, partitionManager, readingsRepo, rollupsRepo, logger)

	// 报警输出
	alertPublisher := alertsink.NewPublisher(redisClient, cfg.Alerts.Stream, cfg.Alerts.WebhookURL, logger)

	// 在线状态追踪
	tracker := liveness.NewTracker(alertsRepo, alertPublisher, cfg.Liveness.GraceMultiplier, logger)

	// 摄取管线
	accumulator := ingest.NewAccumulator(cfg.Ingest.MaxBatchSize)
	validator := ingest.NewValidator(cfg.Ingest.SkewTolerance, nil)
	deadLetter := ingest.NewDeadLetterPublisher(redisClient, cfg.Ingest.Streams.DeadLetter, logger)

	readingConsumer := consumer.NewReadingConsumer(
		redisClient,
		cfg.Ingest.Streams.Readings,
		cfg.Ingest.ConsumerGroup,
		cfg.Ingest.ConsumerName,
		cfg.Ingest.BatchSize,
		nil, // handler 在协调器创建后注入
		logger,
	)

	coordinator := ingest.NewCoordinator(
		validator,
		tenantCatalog,
		tracker,
		accumulator,
		tenantStore,
		readingConsumer,
		deadLetter,
		devicesRepo,
		cfg.Ingest.FlushWindow,
		cfg.Ingest.MaxRetries,
		cfg.Ingest.RetryBuffer,
		logger,
	)
	readingConsumer.SetHandler(coordinator)

	provisioningConsumer := consumer.NewProvisioningConsumer(
		redisClient,
		cfg.Ingest.Streams.Provisioning,
		cfg.Ingest.ConsumerGroup,
		cfg.Ingest.ConsumerName,
		cfg.Ingest.BatchSize,
		devicesRepo,
		tenantCatalog,
		tracker,
		logger,
	)

	svc := &IngestService{
		config:               cfg,
		logger:               logger,
		db:                   db,
		redisClient:          redisClient,
		catalog:              tenantCatalog,
		devices:              devicesRepo,
		alerts:               alertsRepo,
		partitions:           partitionManager,
		store:                tenantStore,
		tracker:              tracker,
		coordinator:          coordinator,
		exporter:             export.NewExporter(tenantStore),
		readingConsumer:      readingConsumer,
		provisioningConsumer: provisioningConsumer,
	}

	// MQTT 接入可选：平台也可以由外部收集器直接写读数流
	if cfg.MQTT.Enabled {
		mc, err := mqttclient.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		svc.mqttClient = mc
		svc.mqttIngress = ingress.NewMQTTIngress(
			mc,
			redisClient,
			cfg.MQTT.Topic,
			cfg.MQTT.QoS,
			cfg.Ingest.Streams.Readings,
			logger,
		)
	}

	return svc, nil
}

// Start 启动服务组件
// 启动顺序：分区就绪 → 在线状态加载 → 落库 worker / 巡检 / 调度 → 消费者
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service components")

	// 写入开始前分区必须就绪
	if err := s.partitions.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load partition snapshot: %w", err)
	}
	if err := s.partitions.Tick(ctx); err != nil {
		return fmt.Errorf("failed to ensure partitions: %w", err)
	}

	// 从持久化的 last_seen 和未解决报警恢复在线状态追踪，
	// 停机期间掉线的设备在首轮巡检就会升级，而不是重新计时
	devices, err := s.devices.ListActiveDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices for liveness tracking: %w", err)
	}
	for _, d := range devices {
		openAlert, err := s.alerts.GetOpenAlert(ctx, d.DeviceID)
		if err != nil {
			s.logger.Warn("Failed to load open alert for device, restoring without it",
				zap.String("device_id", d.DeviceID),
				zap.Error(err),
			)
		}
		s.tracker.Restore(d, openAlert)
	}

	s.runBackground(ctx, "flush-loop", func(ctx context.Context) error {
		s.coordinator.RunFlushLoop(ctx)
		return nil
	})
	s.runBackground(ctx, "liveness-sweep", func(ctx context.Context) error {
		s.tracker.Run(ctx, s.config.Liveness.SweepInterval)
		return nil
	})
	s.runBackground(ctx, "partition-scheduler", func(ctx context.Context) error {
		s.partitions.Run(ctx, s.config.Partition.TickInterval)
		return nil
	})
	s.runBackground(ctx, "reading-consumer", s.readingConsumer.Start)
	s.runBackground(ctx, "provisioning-consumer", s.provisioningConsumer.Start)

	if s.mqttIngress != nil {
		s.runBackground(ctx, "mqtt-ingress", s.mqttIngress.Start)
	}

	s.logger.Info("Ingest service started successfully",
		zap.Int("tracked_devices", len(devices)),
	)
	return nil
}

// Stop 优雅停止
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	s.wg.Wait()

	// 收尾：把最后的批次落库
	s.coordinator.Flush(ctx)

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Ingest service stopped")
	return nil
}

// Exporter 报表导出入口
func (s *IngestService) Exporter() *export.Exporter {
	return s.exporter
}

// Store 租户隔离查询入口（供上层 API 协作方使用）
func (s *IngestService) Store() *store.Store {
	return s.store
}

func (s *IngestService) runBackground(ctx context.Context, name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(ctx); err != nil {
			s.logger.Error("Background task exited with error",
				zap.String("task", name),
				zap.Error(err),
			)
		}
	}()
}
