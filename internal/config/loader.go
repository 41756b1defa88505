package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectTopicLevelLease(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Topics {
		applyTopicDefaults(&cfg.Topics[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("HubURL", "http://localhost:8000/websub/hub")
	v.SetDefault("CacheCapacity", 5000)
	v.SetDefault("CacheTTL", 300)
	v.SetDefault("ProxyCacheTTL", 600)
	v.SetDefault("HistorySize", 1000)
	v.SetDefault("DefaultLease", 86400)
	v.SetDefault("MaxLease", "720h")
	v.SetDefault("VerifyTimeout", "10s")
	v.SetDefault("DeliveryTimeout", "10s")
	v.SetDefault("DeliveryConcurrency", 8)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("StreamHeartbeat", "30s")
	v.SetDefault("StreamBuffer", 64)
}

// DefaultConfig 返回与 setDefaults 一致的内存配置，便于测试或无配置文件时复用。
func DefaultConfig() *Config {
	cfg := &Config{Global: GlobalConfig{
		ListenPort:    8000,
		LogLevel:      "info",
		LogMaxSize:    100,
		LogMaxBackups: 10,
		LogCompress:   true,
		HubURL:        "http://localhost:8000/websub/hub",
		CacheCapacity: 5000,
		HistorySize:   1000,
		MaxLease:      Duration(30 * 24 * time.Hour),
	}}
	applyGlobalDefaults(&cfg.Global)
	return cfg
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
	if g.CacheCapacity == 0 {
		g.CacheCapacity = 5000
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(5 * time.Minute)
	}
	if g.ProxyCacheTTL.DurationValue() == 0 {
		g.ProxyCacheTTL = Duration(10 * time.Minute)
	}
	if g.HistorySize == 0 {
		g.HistorySize = 1000
	}
	if g.DefaultLease.DurationValue() == 0 {
		g.DefaultLease = Duration(24 * time.Hour)
	}
	if g.VerifyTimeout.DurationValue() == 0 {
		g.VerifyTimeout = Duration(10 * time.Second)
	}
	if g.DeliveryTimeout.DurationValue() == 0 {
		g.DeliveryTimeout = Duration(10 * time.Second)
	}
	if g.DeliveryConcurrency == 0 {
		g.DeliveryConcurrency = 8
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.StreamHeartbeat.DurationValue() == 0 {
		g.StreamHeartbeat = Duration(30 * time.Second)
	}
	if g.StreamBuffer == 0 {
		g.StreamBuffer = 64
	}
	g.HubURL = strings.TrimSpace(g.HubURL)
}

func applyTopicDefaults(t *TopicConfig) {
	t.Name = strings.ToLower(strings.TrimSpace(t.Name))
	t.Description = strings.TrimSpace(t.Description)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectTopicLevelLease 拒绝在 [[Topic]] 中声明租期；租期只能通过全局 DefaultLease/MaxLease 控制。
func rejectTopicLevelLease(v *viper.Viper) error {
	raw := v.Get("Topic")
	topics, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range topics {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if !hasKeyFold(m, "LeaseSeconds") {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		for key, value := range m {
			if rawName, ok := value.(string); ok && strings.EqualFold(key, "Name") && rawName != "" {
				name = rawName
			}
		}
		return newFieldError(topicField(name, "LeaseSeconds"), "不支持按主题设置租期，请使用全局 DefaultLease")
	}

	return nil
}

func hasKeyFold(m map[string]interface{}, want string) bool {
	for key := range m {
		if strings.EqualFold(key, want) {
			return true
		}
	}
	return false
}
