package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Quota   QuotaConfig   `yaml:"quota"`
	Cluster ClusterConfig `yaml:"cluster"`
	Store   StoreConfig   `yaml:"store"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// EngineConfig 生命周期引擎配置
type EngineConfig struct {
	StartingTimeout  time.Duration `yaml:"starting_timeout"`   // STARTING 状态超时时间
	StoreRetries     int           `yaml:"store_retries"`      // 幂等存储操作的重试次数
	StoreRetryDelay  time.Duration `yaml:"store_retry_delay"`  // 重试退避基准
	MinMemoryMB      int64         `yaml:"min_memory_mb"`      // 内存分配最小粒度
	MinCores         float64       `yaml:"min_cores"`          // 核心分配最小粒度
	MaxExecutionName int           `yaml:"max_execution_name"` // 执行名称最大长度
	CustomizableRes  bool          `yaml:"customizable_resources"`
}

// QuotaConfig 租户配额配置
type QuotaConfig struct {
	TenantMemoryMB       int64   `yaml:"tenant_memory_mb"`
	TenantCores          float64 `yaml:"tenant_cores"`
	ConcurrentExecutions int     `yaml:"concurrent_executions"`
}

// TenantCeiling 租户资源上限
func (q QuotaConfig) TenantCeiling() Resource {
	return Resource{Memory: q.TenantMemoryMB, Cores: q.TenantCores}
}

// ClusterConfig 集群容量配置
type ClusterConfig struct {
	Name       string  `yaml:"name"`
	MemoryMB   int64   `yaml:"memory_mb"`
	Cores      float64 `yaml:"cores"`
	BackendURL string  `yaml:"backend_url"`
}

// Capacity 集群总容量
func (c ClusterConfig) Capacity() Resource {
	return Resource{Memory: c.MemoryMB, Cores: c.Cores}
}

// StoreConfig 执行存储配置
type StoreConfig struct {
	Type        string `yaml:"type"` // memory, postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// KafkaConfig 生命周期事件流配置
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LogConfig 日志配置
type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    5100,
			Address: "0.0.0.0",
		},
		Engine: EngineConfig{
			StartingTimeout:  10 * time.Minute,
			StoreRetries:     3,
			StoreRetryDelay:  200 * time.Millisecond,
			MinMemoryMB:      512,
			MinCores:         0.1,
			MaxExecutionName: 16,
			CustomizableRes:  false,
		},
		Quota: QuotaConfig{
			TenantMemoryMB:       32 * 1024,
			TenantCores:          16,
			ConcurrentExecutions: 5,
		},
		Cluster: ClusterConfig{
			Name:       "default",
			MemoryMB:   256 * 1024,
			Cores:      128,
			BackendURL: getEnvOrDefault("POMELO_BACKEND_URL", "http://localhost:5200"),
		},
		Store: StoreConfig{
			Type: "memory",
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "pomelo-executions",
		},
		Log: LogConfig{
			Development: false,
			Level:       "info",
			MaxSizeMB:   100,
			MaxBackups:  5,
			MaxAgeDays:  14,
			Compress:    true,
		},
	}
}

// LoadConfig 从 YAML 文件加载配置，文件缺失时回退到默认配置
func LoadConfig(path string) (*Config, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewValidationError("server.port", "must be between 1 and 65535", c.Server.Port)
	}
	if c.Engine.StartingTimeout <= 0 {
		return NewValidationError("engine.starting_timeout", "must be positive", c.Engine.StartingTimeout)
	}
	if c.Engine.MinMemoryMB <= 0 {
		return NewValidationError("engine.min_memory_mb", "must be positive", c.Engine.MinMemoryMB)
	}
	if c.Engine.MinCores <= 0 {
		return NewValidationError("engine.min_cores", "must be positive", c.Engine.MinCores)
	}
	if c.Quota.TenantMemoryMB <= 0 || c.Quota.TenantCores <= 0 {
		return NewValidationError("quota", "tenant ceiling must be positive", c.Quota)
	}
	if c.Cluster.MemoryMB <= 0 || c.Cluster.Cores <= 0 {
		return NewValidationError("cluster", "cluster capacity must be positive", c.Cluster)
	}
	if c.Store.Type != "memory" && c.Store.Type != "postgres" {
		return NewValidationError("store.type", "must be 'memory' or 'postgres'", c.Store.Type)
	}
	if c.Store.Type == "postgres" && c.Store.PostgresDSN == "" {
		return NewValidationError("store.postgres_dsn", "required when store type is postgres", "")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return NewValidationError("kafka.brokers", "required when kafka is enabled", c.Kafka.Brokers)
	}
	return nil
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
