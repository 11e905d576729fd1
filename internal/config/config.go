package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Config 数据摄取服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 摄取管线配置
	Ingest struct {
		// Redis Streams 配置
		Streams struct {
			Readings     string // 标准化读数流，如 "ingest:readings:stream"
			Provisioning string // 设备开通事件流，如 "provision:devices:stream"
			DeadLetter   string // 死信流，如 "ingest:deadletter:stream"
		}
		ConsumerGroup string        // 消费者组名称
		ConsumerName  string        // 消费者名称
		BatchSize     int64         // 单次从流读取的消息数
		FlushWindow   time.Duration // 批次时间窗口
		MaxBatchSize  int           // 批次最大读数条数（背压阀）
		MaxRetries    int           // 批次落库失败的最大重试次数
		SkewTolerance time.Duration // 允许的未来时间偏移
		RetryBuffer   int           // 分区未就绪读数的重试缓冲上限
	}

	// 设备在线状态检测配置
	Liveness struct {
		SweepInterval   time.Duration // 巡检周期
		GraceMultiplier float64       // 宽限倍数（必须 >= 2）
	}

	// 分区生命周期配置
	Partition struct {
		TickInterval   time.Duration // 调度周期
		LookAhead      time.Duration // 提前创建分区的时间跨度
		AggregateAfter time.Duration // 分区关闭多久后触发聚合
		Retention      time.Duration // 已归档分区的长期保留时长
	}

	// 报警输出配置
	Alerts struct {
		Stream     string // 报警事件流，如 "alerts:events:stream"
		WebhookURL string // 可选的通知回调地址
	}

	// 租户目录缓存配置
	Catalog struct {
		CacheTTL time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "farmsense")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "farmsense-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "farmsense/devices/+/readings")
	cfg.MQTT.QoS = 1

	cfg.Ingest.Streams.Readings = getEnv("STREAM_READINGS", "ingest:readings:stream")
	cfg.Ingest.Streams.Provisioning = getEnv("STREAM_PROVISIONING", "provision:devices:stream")
	cfg.Ingest.Streams.DeadLetter = getEnv("STREAM_DEADLETTER", "ingest:deadletter:stream")
	cfg.Ingest.ConsumerGroup = getEnv("CONSUMER_GROUP", "farmsense-ingest-group")
	cfg.Ingest.ConsumerName = getEnv("CONSUMER_NAME", "farmsense-ingest-1")
	cfg.Ingest.BatchSize = int64(getEnvInt("INGEST_BATCH_SIZE", 100))
	cfg.Ingest.FlushWindow = getEnvDuration("INGEST_FLUSH_WINDOW", 5*time.Second)
	cfg.Ingest.MaxBatchSize = getEnvInt("INGEST_MAX_BATCH", 5000)
	cfg.Ingest.MaxRetries = getEnvInt("INGEST_MAX_RETRIES", 5)
	cfg.Ingest.SkewTolerance = getEnvDuration("INGEST_SKEW_TOLERANCE", 5*time.Minute)
	cfg.Ingest.RetryBuffer = getEnvInt("INGEST_RETRY_BUFFER", 10000)

	cfg.Liveness.SweepInterval = getEnvDuration("LIVENESS_SWEEP_INTERVAL", 30*time.Second)
	cfg.Liveness.GraceMultiplier = getEnvFloat("LIVENESS_GRACE_MULTIPLIER", 2.0)

	cfg.Partition.TickInterval = getEnvDuration("PARTITION_TICK_INTERVAL", 10*time.Minute)
	cfg.Partition.LookAhead = getEnvDuration("PARTITION_LOOK_AHEAD", 72*time.Hour)
	cfg.Partition.AggregateAfter = getEnvDuration("PARTITION_AGGREGATE_AFTER", 7*24*time.Hour)
	cfg.Partition.Retention = getEnvDuration("PARTITION_RETENTION", 90*24*time.Hour)

	cfg.Alerts.Stream = getEnv("STREAM_ALERTS", "alerts:events:stream")
	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")

	cfg.Catalog.CacheTTL = getEnvDuration("CATALOG_CACHE_TTL", 5*time.Minute)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Liveness.GraceMultiplier < 2 {
		return nil, fmt.Errorf("LIVENESS_GRACE_MULTIPLIER must be >= 2, got %v", cfg.Liveness.GraceMultiplier)
	}
	if cfg.Ingest.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("INGEST_MAX_BATCH must be positive, got %d", cfg.Ingest.MaxBatchSize)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
