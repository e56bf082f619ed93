// Package config 基于 viper 的配置加载：YAML 文件 + 环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// GatewayConfig 中继网关 REST 面配置
type GatewayConfig struct {
	BaseURL string        `mapstructure:"baseUrl"`
	APIKey  string        `mapstructure:"apiKey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChannelConfig 实时通道配置
type ChannelConfig struct {
	WebsocketURL   string        `mapstructure:"websocketUrl"`
	RetryInterval  time.Duration `mapstructure:"retryInterval"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}

// SimulatorConfig 中继模拟器配置
type SimulatorConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	FixturesPath string        `mapstructure:"fixturesPath"`
	RatePerSec   int           `mapstructure:"ratePerSec"`
	RateBurst    int           `mapstructure:"rateBurst"`
	Auth         AuthConfig    `mapstructure:"auth"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

// AuthConfig 模拟器 API 认证配置
type AuthConfig struct {
	APIKeys []string `mapstructure:"apiKeys"`
	Enabled bool     `mapstructure:"enabled"`
}

// RedisConfig 模拟器最近值存储的 Redis 配置；未启用时使用内存实现
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	ToFile bool             `mapstructure:"toFile"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config 顶层配置结构
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 RELAY_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = v.GetString("RELAY_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	// 默认值
	setDefaults(v)

	// 环境变量覆盖：前缀 RELAY_，并将点号替换为下划线
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if fmt.Sprintf("%T", err) != fmt.Sprintf("%T", notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "iot-relay-client")
	v.SetDefault("app.env", "dev")

	v.SetDefault("gateway.baseUrl", "http://localhost:8180")
	v.SetDefault("gateway.timeout", "10s")

	v.SetDefault("channel.websocketUrl", "ws://localhost:8180/ws")
	v.SetDefault("channel.retryInterval", "5s")
	v.SetDefault("channel.connectTimeout", "10s")

	v.SetDefault("simulator.addr", ":8180")
	v.SetDefault("simulator.readTimeout", "5s")
	v.SetDefault("simulator.writeTimeout", "10s")
	v.SetDefault("simulator.ratePerSec", 100)
	v.SetDefault("simulator.rateBurst", 200)
	v.SetDefault("simulator.auth.enabled", false)
	v.SetDefault("simulator.redis.enabled", false)
	v.SetDefault("simulator.redis.addr", "localhost:6379")
	v.SetDefault("simulator.redis.dialTimeout", "5s")
	v.SetDefault("simulator.redis.readTimeout", "3s")
	v.SetDefault("simulator.redis.writeTimeout", "3s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.toFile", false)
	v.SetDefault("logging.file.filename", "logs/iot-relay-client.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}
