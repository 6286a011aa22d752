// Package config 提供配置管理
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
)

// EnvPrefix 环境变量前缀，CONT_SOLVER__BASE_URL 对应 solver.base_url
const EnvPrefix = "CONT_"

// Config 应用配置
type Config struct {
	App      AppConfig      `yaml:"app"`
	Log      logger.Config  `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Solver   SolverConfig   `yaml:"solver"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Influx   InfluxConfig   `yaml:"influx"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

// DatabaseConfig 运行记录存储配置
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // memory/postgres/sqlite3
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	Path            string        `yaml:"path"` // sqlite 文件路径
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowQuery       time.Duration `yaml:"slow_query"`
}

// DSN 返回数据库连接字符串
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "sqlite3" {
		return c.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// APIConfig API配置
type APIConfig struct {
	RateLimit int           `yaml:"rate_limit"` // 每分钟每个密钥的请求数
	Timeout   time.Duration `yaml:"timeout"`
	CORS      CORSConfig    `yaml:"cors"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
}

// AuthConfig API密钥认证配置
type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Keys    []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig 预置API密钥
type APIKeyConfig struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Scopes []string `yaml:"scopes"`
}

// SolverConfig 外部求解器配置
type SolverConfig struct {
	Local          bool          `yaml:"local"` // 使用内置贪心求解器，忽略 base_url
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// PipelineConfig 流水线默认参数
type PipelineConfig struct {
	DefaultK          int                   `yaml:"default_k"`
	EmptyPoolPolicy   model.EmptyPoolPolicy `yaml:"empty_pool_policy"`
	PollInterval      time.Duration         `yaml:"poll_interval"`
	MaxWait           time.Duration         `yaml:"max_wait"`
	TerminationBudget time.Duration         `yaml:"termination_budget"`
	SweepWorkers      int                   `yaml:"sweep_workers"`
	RetainedRuns      int                   `yaml:"retained_runs"` // 保留输出供约束阶段使用的已完成运行数
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// InfluxConfig 运行指标时序库配置
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// MQTTConfig 结果通知配置
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
	Retries   int    `yaml:"retries"`
	BackoffMS int    `yaml:"backoff_ms"`
}

// Load 从文件加载配置，path 为空时只读取环境变量
func Load(path string) (*Config, error) {
	return LoadWith(path, nil)
}

// LoadWith 加载配置后、校验前执行 override，用于命令行参数覆盖
func LoadWith(path string, override func(*Config)) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, errors.InvalidInput("config", "不支持的配置格式 "+filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if override != nil {
		override(&cfg)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults 填充默认值
func (c *Config) SetDefaults() {
	if c.App.Name == "" {
		c.App.Name = "continuity"
	}
	if c.App.Env == "" {
		c.App.Env = "development"
	}
	if c.App.Port == 0 {
		c.App.Port = 7012
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
		if c.IsProduction() {
			c.Log.Format = "json"
		}
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	c.Database.setDefaults()

	if c.API.RateLimit == 0 {
		c.API.RateLimit = 100
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.CORS.Enabled && len(c.API.CORS.Origins) == 0 {
		c.API.CORS.Origins = []string{"*"}
	}

	if c.Solver.Timeout == 0 {
		c.Solver.Timeout = 30 * time.Second
	}
	if c.Solver.MaxRetries == 0 {
		c.Solver.MaxRetries = 3
	}
	if c.Solver.InitialBackoff == 0 {
		c.Solver.InitialBackoff = 500 * time.Millisecond
	}
	if c.Solver.MaxBackoff == 0 {
		c.Solver.MaxBackoff = 10 * time.Second
	}

	if c.Pipeline.DefaultK == 0 {
		c.Pipeline.DefaultK = 3
	}
	if c.Pipeline.EmptyPoolPolicy == "" {
		c.Pipeline.EmptyPoolPolicy = model.EmptyPoolUnconstrained
	}
	if c.Pipeline.PollInterval == 0 {
		c.Pipeline.PollInterval = 5 * time.Second
	}
	if c.Pipeline.MaxWait == 0 {
		c.Pipeline.MaxWait = 30 * time.Minute
	}
	if c.Pipeline.TerminationBudget == 0 {
		c.Pipeline.TerminationBudget = 5 * time.Minute
	}
	if c.Pipeline.SweepWorkers == 0 {
		c.Pipeline.SweepWorkers = 4
	}
	if c.Pipeline.RetainedRuns == 0 {
		c.Pipeline.RetainedRuns = 64
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Influx.Measurement == "" {
		c.Influx.Measurement = "solve_run"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.App.Name
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "continuity/runs"
	}
	if c.MQTT.Retries == 0 {
		c.MQTT.Retries = 3
	}
	if c.MQTT.BackoffMS == 0 {
		c.MQTT.BackoffMS = 100
	}
}

func (c *DatabaseConfig) setDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Name == "" {
		c.Name = "continuity"
	}
	if c.User == "" {
		c.User = "continuity"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.Path == "" {
		c.Path = "continuity.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.SlowQuery == 0 {
		c.SlowQuery = 100 * time.Millisecond
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	ve := &errors.ValidationErrors{}

	if c.App.Port <= 0 || c.App.Port > 65535 {
		ve.Addf("app.port", "端口超出范围: %d", c.App.Port)
	}

	switch c.Database.Driver {
	case "memory", "postgres", "sqlite3":
	default:
		ve.Addf("database.driver", "不支持的驱动 %s", c.Database.Driver)
	}

	if c.Solver.BaseURL == "" && !c.Solver.Local {
		ve.Add("solver.base_url", "不能为空")
	}
	if c.Solver.MaxRetries < 0 {
		ve.Add("solver.max_retries", "不能为负")
	}

	if c.Pipeline.DefaultK < 1 {
		ve.Addf("pipeline.default_k", "必须至少为1, 实际为 %d", c.Pipeline.DefaultK)
	}
	if !c.Pipeline.EmptyPoolPolicy.Valid() {
		ve.Addf("pipeline.empty_pool_policy", "未知策略 %s", c.Pipeline.EmptyPoolPolicy)
	}
	if c.Pipeline.MaxWait < c.Pipeline.PollInterval {
		ve.Add("pipeline.max_wait", "不能小于轮询间隔")
	}

	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		ve.Add("auth.keys", "启用认证时至少需要一个密钥")
	}
	for i, key := range c.Auth.Keys {
		if key.Key == "" {
			ve.Addf("auth.keys", "第 %d 个密钥为空", i)
		}
	}

	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "" || c.Influx.Org == "") {
		ve.Add("influx", "启用时必须配置 url、org 和 bucket")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		ve.Add("mqtt.broker", "启用时不能为空")
	}
	if c.MQTT.QoS > 2 {
		ve.Addf("mqtt.qos", "取值必须为 0/1/2, 实际为 %d", c.MQTT.QoS)
	}

	return ve.Err()
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
