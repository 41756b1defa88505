package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alerthub/alerthub/internal/config"
)

// ServiceName 会作为 service 字段附加到每一条日志。
const ServiceName = "alert-hub"

var errNoLogDir = errors.New("log directory is not writable")

// InitLogger 按 GlobalConfig 构建 JSON logger。
// LogFilePath 为空时写 stdout；目录不可用时同样退回 stdout，并以 logger_fallback 事件告警，不返回错误。
// 只有日志级别非法才会失败。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	logger := &logrus.Logger{
		Out:       os.Stdout,
		Formatter: newFormatter(),
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
		ExitFunc:  os.Exit,
	}
	logger.AddHook(serviceHook{})

	var fallback error
	if cfg.LogFilePath != "" {
		if rotating, err := rotatingFile(cfg); err != nil {
			fallback = err
		} else {
			logger.Out = rotating
		}
	}

	// 标准 logger 与主 logger 共用格式、输出与级别。
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if fallback != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).WithError(fallback).Warn("log_file_unavailable")
	}
	return logger, nil
}

// Discard 返回丢弃所有输出的 logger，供测试与未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
}

// rotatingFile 确保日志目录存在后返回 lumberjack 轮转 writer。
func rotatingFile(cfg config.GlobalConfig) (io.Writer, error) {
	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errNoLogDir, dir, err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// serviceHook 为缺少 service 字段的日志补上服务名。
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	return nil
}
