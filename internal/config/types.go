package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存、Broker 与 WebSub Hub 参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// HubURL 是对外公布的 hub 地址，会写入推送请求的 Link 头。
	HubURL string `mapstructure:"HubURL"`

	CacheCapacity int      `mapstructure:"CacheCapacity"`
	CacheTTL      Duration `mapstructure:"CacheTTL"`
	ProxyCacheTTL Duration `mapstructure:"ProxyCacheTTL"`

	HistorySize int `mapstructure:"HistorySize"`

	DefaultLease        Duration `mapstructure:"DefaultLease"`
	MaxLease            Duration `mapstructure:"MaxLease"`
	VerifyTimeout       Duration `mapstructure:"VerifyTimeout"`
	DeliveryTimeout     Duration `mapstructure:"DeliveryTimeout"`
	DeliveryConcurrency int      `mapstructure:"DeliveryConcurrency"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`

	StreamHeartbeat Duration `mapstructure:"StreamHeartbeat"`
	StreamBuffer    int      `mapstructure:"StreamBuffer"`
}

// TopicConfig 声明额外的告警主题；WebSub 为 true 时同时在 hub 上注册。
type TopicConfig struct {
	Name        string `mapstructure:"Name"`
	Description string `mapstructure:"Description"`
	WebSub      bool   `mapstructure:"WebSub"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Topics []TopicConfig `mapstructure:"Topic"`
}

// TopicNames 返回配置中声明的主题名称，供启动日志使用。
func TopicNames(topics []TopicConfig) []string {
	if len(topics) == 0 {
		return nil
	}
	result := make([]string, len(topics))
	for i, topic := range topics {
		result[i] = topic.Name
	}
	return result
}

// EffectiveLease 将订阅方请求的租期归一化：未提供时使用默认值，超过上限时截断。
func (c *Config) EffectiveLease(requested time.Duration) time.Duration {
	lease := requested
	if lease <= 0 {
		lease = c.Global.DefaultLease.DurationValue()
	}
	if limit := c.Global.MaxLease.DurationValue(); limit > 0 && lease > limit {
		lease = limit
	}
	return lease
}
