package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config 告警引擎配置
type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// 告警生命周期配置
	Alert struct {
		// 自动关闭窗口（秒）：超过该时长无新事件则关闭告警
		CloseWindow int64
		// 延迟恢复窗口（秒）：0 表示收到恢复事件立即恢复
		RecoverWindow int64
		// 已结束告警在去重缓存中的最大保留时长（秒）
		MaxRetention int64
		// 去重缓存 TTL（秒）
		DedupeTTL int64
		// 快照缓存 TTL（秒）
		SnapshotTTL int64
		// 批处理大小
		BatchSize int
		// 事件消费 worker 数
		Workers int
		// 存储调用超时（秒）
		StoreTimeout int64
		// 分片部署时的集群编码，附加在告警 ID 序列号之后
		ClusterCode string
		// 被屏蔽的告警是否仍推送消息队列动作
		EnablePushShieldedAlert bool
	}

	// QoS 流控配置
	QoS struct {
		Threshold int64 // 0 表示关闭流控
		Window    int64 // 窗口（秒）
	}

	// 周期任务配置
	Sweep struct {
		Interval          int64 // 下个状态巡检间隔（秒）
		PollInterval      int64 // 周期通知巡检间隔（秒）
		LockTTL           int64 // 周期通知全局锁租约（秒）
		RetentionInterval int64 // 过期清理间隔（秒）
		DutyInterval      int64 // 值班排班刷新间隔（秒）
	}

	// 配置缓存 TTL（秒）
	ConfigCache struct {
		StrategyTTL     int64
		ActionConfigTTL int64
	}

	// 指标暴露
	Metrics struct {
		Addr string // 为空时不启动指标端口
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "bkmonitor")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Alert.CloseWindow = getEnvInt64("ALERT_CLOSE_WINDOW", 3600)
	cfg.Alert.RecoverWindow = getEnvInt64("ALERT_RECOVER_WINDOW", 0)
	cfg.Alert.MaxRetention = getEnvInt64("ALERT_MAX_RETENTION", 86400*30)
	cfg.Alert.DedupeTTL = getEnvInt64("ALERT_DEDUPE_TTL", 7200)
	cfg.Alert.SnapshotTTL = getEnvInt64("ALERT_SNAPSHOT_TTL", 1800)
	cfg.Alert.BatchSize = getEnvInt("ALERT_BATCH_SIZE", 200)
	cfg.Alert.Workers = getEnvInt("ALERT_WORKERS", 4)
	cfg.Alert.StoreTimeout = getEnvInt64("ALERT_STORE_TIMEOUT", 30)
	cfg.Alert.ClusterCode = getEnv("ALERT_CLUSTER_CODE", "")
	cfg.Alert.EnablePushShieldedAlert = getEnv("ALERT_PUSH_SHIELDED", "false") == "true"

	cfg.QoS.Threshold = getEnvInt64("QOS_THRESHOLD", 0)
	cfg.QoS.Window = getEnvInt64("QOS_WINDOW", 60)

	cfg.Sweep.Interval = getEnvInt64("SWEEP_INTERVAL", 60)
	cfg.Sweep.PollInterval = getEnvInt64("SWEEP_POLL_INTERVAL", 60)
	cfg.Sweep.LockTTL = getEnvInt64("SWEEP_LOCK_TTL", 120)
	cfg.Sweep.RetentionInterval = getEnvInt64("SWEEP_RETENTION_INTERVAL", 3600)
	cfg.Sweep.DutyInterval = getEnvInt64("SWEEP_DUTY_INTERVAL", 300)

	cfg.ConfigCache.StrategyTTL = getEnvInt64("STRATEGY_CACHE_TTL", 600)
	cfg.ConfigCache.ActionConfigTTL = getEnvInt64("ACTION_CONFIG_CACHE_TTL", 600)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.QoS.Window <= 0 {
		return nil, fmt.Errorf("invalid QOS_WINDOW: %d", cfg.QoS.Window)
	}
	return cfg, nil
}

// DSN 构造 PostgreSQL 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Database, c.Database.SSLMode)
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
