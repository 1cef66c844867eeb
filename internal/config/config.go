package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 表示配置内容非法（未知键、越界值等）
var ErrInvalidConfig = errors.New("invalid config")

// Config 是应用配置的根结构体
type Config struct {
	Version      string             `mapstructure:"version" yaml:"version"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Coordination CoordinationConfig `mapstructure:"coordination" yaml:"coordination"`
	Registry     RegistryConfig     `mapstructure:"registry" yaml:"registry"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle" yaml:"lifecycle"`
	Delegation   DelegationConfig   `mapstructure:"delegation" yaml:"delegation"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit" yaml:"ratelimit"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Gateway      GatewayConfig      `mapstructure:"gateway" yaml:"gateway"`
	Cron         CronConfig         `mapstructure:"cron" yaml:"cron"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 协调存储配置
type StorageConfig struct {
	Driver      string        `mapstructure:"driver" yaml:"driver"`
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// CoordinationConfig 跨进程协调参数（锁、会话、变更日志）
type CoordinationConfig struct {
	DefaultLockTTL        time.Duration `mapstructure:"default_lock_ttl" yaml:"default_lock_ttl"`
	StaleSessionThreshold time.Duration `mapstructure:"stale_session_threshold" yaml:"stale_session_threshold"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	JournalRetention      time.Duration `mapstructure:"journal_retention" yaml:"journal_retention"`
	AutoCleanup           bool          `mapstructure:"auto_cleanup" yaml:"auto_cleanup"`
}

// RegistryConfig 会话注册中心配置（陈旧清理与持久化恢复）
type RegistryConfig struct {
	StaleTimeout              time.Duration `mapstructure:"stale_timeout" yaml:"stale_timeout"`
	RecoveryInterval          time.Duration `mapstructure:"recovery_interval" yaml:"recovery_interval"`
	RecoveryBackoffMultiplier int           `mapstructure:"recovery_backoff_multiplier" yaml:"recovery_backoff_multiplier"`
	MaxRecoveryAttempts       int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	HealthCheckInterval       time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
}

// LifecycleConfig 状态机配置
type LifecycleConfig struct {
	FamilyLockTimeout time.Duration `mapstructure:"family_lock_timeout" yaml:"family_lock_timeout"`
}

// DelegationConfig 委托决策配置
type DelegationConfig struct {
	MaxDepth      int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxChildren   int           `mapstructure:"max_children" yaml:"max_children"`
	MinScore      int           `mapstructure:"min_score" yaml:"min_score"`
	CacheMaxAge   time.Duration `mapstructure:"cache_max_age" yaml:"cache_max_age"`
}

// GetMaxDepth 返回最大委托深度，默认 3，上限 10
func (c *DelegationConfig) GetMaxDepth() int {
	if c.MaxDepth <= 0 {
		return 3
	}
	if c.MaxDepth > 10 {
		return 10
	}
	return c.MaxDepth
}

// GetCacheMaxAge 返回决策缓存有效期，默认 60 秒
func (c *DelegationConfig) GetCacheMaxAge() time.Duration {
	if c.CacheMaxAge <= 0 {
		return 60 * time.Second
	}
	return c.CacheMaxAge
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Plan               string  `mapstructure:"plan" yaml:"plan"`
	BudgetDailyUSD     float64 `mapstructure:"budget_daily_usd" yaml:"budget_daily_usd"`
	WarningThreshold   float64 `mapstructure:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold  float64 `mapstructure:"critical_threshold" yaml:"critical_threshold"`
	EmergencyThreshold float64 `mapstructure:"emergency_threshold" yaml:"emergency_threshold"`
}

// MetricsConfig 指标聚合配置
type MetricsConfig struct {
	BufferSize       int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Port int    `mapstructure:"port" yaml:"port"`
	Host string `mapstructure:"host" yaml:"host"`
}

// CronConfig 维护任务调度配置
type CronConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	// 设置默认值
	SetDefaults()

	// 设置环境变量前缀
	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 如果提供了配置路径，则加载配置文件
	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// 忽略文件不存在错误
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				// 如果是配置文件解析错误，则返回
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	// 反序列化到结构体，未知键视为配置错误
	var cfg Config
	if err := viper.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// 校验取值范围
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 校验配置取值范围
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port %d out of range", ErrInvalidConfig, c.Gateway.Port)
	}
	t := c.RateLimit
	if t.WarningThreshold <= 0 || t.WarningThreshold > 1 ||
		t.CriticalThreshold <= 0 || t.CriticalThreshold > 1 ||
		t.EmergencyThreshold <= 0 || t.EmergencyThreshold > 1 {
		return fmt.Errorf("%w: ratelimit thresholds must be in (0,1]", ErrInvalidConfig)
	}
	if !(t.WarningThreshold < t.CriticalThreshold && t.CriticalThreshold < t.EmergencyThreshold) {
		return fmt.Errorf("%w: ratelimit thresholds must ascend warning < critical < emergency", ErrInvalidConfig)
	}
	if c.Delegation.MinScore < 0 || c.Delegation.MinScore > 100 {
		return fmt.Errorf("%w: delegation.min_score %d out of range [0,100]", ErrInvalidConfig, c.Delegation.MinScore)
	}
	if c.Metrics.BufferSize < 0 {
		return fmt.Errorf("%w: metrics.buffer_size must be >= 0", ErrInvalidConfig)
	}
	if c.Registry.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("%w: registry.max_recovery_attempts must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置值
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool 获取布尔配置值
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)

	// 如果有配置文件路径，则持久化
	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 内部保存函数，调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	// 确保目录存在
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 获取所有配置
	allSettings := viper.AllSettings()

	// 序列化为 YAML
	data, err := yaml.Marshal(allSettings)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	// 确保目录存在
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 序列化为 YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 设置全局配置（仅用于测试）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}
