// Package logger 提供统一的日志框架
package logger

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Level 日志级别
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // json/console
	Output     string `yaml:"output" json:"output"` // stdout/stderr/file
	FilePath   string `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	TimeFormat string `yaml:"time_format,omitempty" json:"time_format,omitempty"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// Init 初始化日志器
func Init(cfg Config) {
	once.Do(func() {
		level := parseLevel(cfg.Level)
		zerolog.SetGlobalLevel(level)

		var output io.Writer
		switch cfg.Output {
		case "stderr":
			output = os.Stderr
		case "file":
			if cfg.FilePath != "" {
				f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err == nil {
					output = f
				} else {
					output = os.Stdout
				}
			} else {
				output = os.Stdout
			}
		default:
			output = os.Stdout
		}

		if cfg.Format == "console" {
			timeFormat := cfg.TimeFormat
			if timeFormat == "" {
				timeFormat = time.RFC3339
			}
			output = zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: timeFormat,
			}
		}

		logger = zerolog.New(output).With().Timestamp().Logger()
	})
}

// parseLevel 解析日志级别
func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Get 获取日志器，未初始化时使用默认配置
func Get() *zerolog.Logger {
	Init(DefaultConfig())
	return &logger
}

// WithContext 从上下文创建日志器
func WithContext(ctx context.Context) *zerolog.Logger {
	l := Get().With().Logger()

	// 添加请求ID
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.With().Str("request_id", reqID).Logger()
	}

	// 添加数据集ID
	if datasetID, ok := ctx.Value(DatasetIDKey).(string); ok {
		l = l.With().Str("dataset_id", datasetID).Logger()
	}

	return &l
}

type ctxKey string

// 上下文键
const (
	RequestIDKey ctxKey = "request_id"
	DatasetIDKey ctxKey = "dataset_id"
)

// Debug 记录调试日志
func Debug() *zerolog.Event {
	return Get().Debug()
}

// Info 记录信息日志
func Info() *zerolog.Event {
	return Get().Info()
}

// Warn 记录警告日志
func Warn() *zerolog.Event {
	return Get().Warn()
}

// Error 记录错误日志
func Error() *zerolog.Event {
	return Get().Error()
}

// Fatal 记录致命错误日志
func Fatal() *zerolog.Event {
	return Get().Fatal()
}

// WithError 添加错误信息
func WithError(err error) *zerolog.Event {
	return Get().Error().Err(err)
}

// WithField 添加字段
func WithField(key string, value interface{}) *zerolog.Logger {
	l := Get().With().Interface(key, value).Logger()
	return &l
}

// Component 返回带组件标识的日志器
func Component(name string) *zerolog.Logger {
	l := Get().With().Str("component", name).Logger()
	return &l
}

// PipelineLogger 求解流水线专用日志器
type PipelineLogger struct {
	base *zerolog.Logger
}

// NewPipelineLogger 创建流水线日志器
func NewPipelineLogger() *PipelineLogger {
	return &PipelineLogger{base: Component("pipeline")}
}

// RunSubmitted 记录提交求解
func (l *PipelineLogger) RunSubmitted(runID, datasetID, phase string, visits, vehicles int) {
	l.base.Info().
		Str("run_id", runID).
		Str("dataset_id", datasetID).
		Str("phase", phase).
		Int("visits", visits).
		Int("vehicles", vehicles).
		Msg("提交求解")
}

// RunTransition 记录运行状态迁移
func (l *PipelineLogger) RunTransition(runID, from, to string) {
	l.base.Info().
		Str("run_id", runID).
		Str("from", from).
		Str("to", to).
		Msg("运行状态变更")
}

// PoolsSelected 记录连续性池选择结果
func (l *PipelineLogger) PoolsSelected(datasetID string, k, clients, emptyPools int) {
	l.base.Info().
		Str("dataset_id", datasetID).
		Int("k", k).
		Int("clients", clients).
		Int("empty_pools", emptyPools).
		Msg("护理员池已生成")
}

// ContainmentViolation 记录约束池违反
func (l *PipelineLogger) ContainmentViolation(runID, clientID, vehicleID string) {
	l.base.Warn().
		Str("run_id", runID).
		Str("client_id", clientID).
		Str("vehicle_id", vehicleID).
		Msg("约束求解分配了池外护理员")
}

// OutputConflict 记录求解输出与实例不一致
func (l *PipelineLogger) OutputConflict(runID, kind, vehicleID, message string) {
	l.base.Warn().
		Str("run_id", runID).
		Str("type", kind).
		Str("vehicle_id", vehicleID).
		Msg("求解输出冲突: " + message)
}

// RunComplete 记录运行完成
func (l *PipelineLogger) RunComplete(runID string, duration time.Duration, unassigned int, maxDistinct int) {
	l.base.Info().
		Str("run_id", runID).
		Dur("duration", duration).
		Int("unassigned", unassigned).
		Int("max_distinct_caregivers", maxDistinct).
		Msg("求解完成")
}
