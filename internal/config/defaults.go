package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "") // 空值表示使用 DefaultDataPath
	viper.SetDefault("storage.busy_timeout", 5*time.Second)

	// Coordination 配置（锁、会话、变更日志）
	viper.SetDefault("coordination.default_lock_ttl", 60*time.Second)
	viper.SetDefault("coordination.stale_session_threshold", 5*time.Minute)
	viper.SetDefault("coordination.heartbeat_interval", 30*time.Second)
	viper.SetDefault("coordination.cleanup_interval", 60*time.Second)
	viper.SetDefault("coordination.journal_retention", 7*24*time.Hour)
	viper.SetDefault("coordination.auto_cleanup", true)

	// Registry 配置（持久化恢复）
	viper.SetDefault("registry.stale_timeout", 30*time.Minute)
	viper.SetDefault("registry.recovery_interval", 60*time.Second)
	viper.SetDefault("registry.recovery_backoff_multiplier", 2)
	viper.SetDefault("registry.max_recovery_attempts", 5)
	viper.SetDefault("registry.health_check_interval", 30*time.Second)

	// Lifecycle 配置
	viper.SetDefault("lifecycle.family_lock_timeout", 5*time.Second)

	// Delegation 配置
	viper.SetDefault("delegation.max_depth", 3)
	viper.SetDefault("delegation.max_concurrent", 5)
	viper.SetDefault("delegation.max_children", 7)
	viper.SetDefault("delegation.min_score", 60)
	viper.SetDefault("delegation.cache_max_age", 60*time.Second)

	// RateLimit 配置
	viper.SetDefault("ratelimit.plan", "pro")
	viper.SetDefault("ratelimit.budget_daily_usd", 0.0)
	viper.SetDefault("ratelimit.warning_threshold", 0.80)
	viper.SetDefault("ratelimit.critical_threshold", 0.90)
	viper.SetDefault("ratelimit.emergency_threshold", 0.95)

	// Metrics 配置
	viper.SetDefault("metrics.buffer_size", 10000)
	viper.SetDefault("metrics.snapshot_interval", 60*time.Second)

	// Gateway 配置
	viper.SetDefault("gateway.port", 7177)
	viper.SetDefault("gateway.host", "127.0.0.1")

	// Cron 配置
	viper.SetDefault("cron.enabled", true)
}
