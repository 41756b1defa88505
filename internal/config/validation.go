package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// topicPrefix 是所有告警主题共享的命名空间。
const topicPrefix = "alerts."

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if err := validateHubURL(g.HubURL); err != nil {
		return fmt.Errorf("Global.HubURL: %w", err)
	}
	if g.CacheCapacity <= 0 {
		return newFieldError("Global.CacheCapacity", "必须大于 0")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.ProxyCacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.ProxyCacheTTL", "必须大于 0")
	}
	if g.HistorySize <= 0 {
		return newFieldError("Global.HistorySize", "必须大于 0")
	}
	if g.DefaultLease.DurationValue() <= 0 {
		return newFieldError("Global.DefaultLease", "必须大于 0")
	}
	if g.MaxLease.DurationValue() < 0 {
		return newFieldError("Global.MaxLease", "不能为负数")
	}
	if max := g.MaxLease.DurationValue(); max > 0 && max < g.DefaultLease.DurationValue() {
		return newFieldError("Global.MaxLease", "不能小于 DefaultLease")
	}
	if g.VerifyTimeout.DurationValue() <= 0 {
		return newFieldError("Global.VerifyTimeout", "必须大于 0")
	}
	if g.DeliveryTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DeliveryTimeout", "必须大于 0")
	}
	if g.DeliveryConcurrency <= 0 {
		return newFieldError("Global.DeliveryConcurrency", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.StreamHeartbeat.DurationValue() <= 0 {
		return newFieldError("Global.StreamHeartbeat", "必须大于 0")
	}
	if g.StreamBuffer <= 0 {
		return newFieldError("Global.StreamBuffer", "必须大于 0")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Topics {
		topic := &c.Topics[i]
		if topic.Name == "" {
			return newFieldError("Topic[].Name", "不能为空")
		}
		if _, exists := seenNames[topic.Name]; exists {
			return newFieldError(topicField(topic.Name, "Name"), "重复")
		}
		seenNames[topic.Name] = struct{}{}

		if err := validateTopicName(topic.Name); err != nil {
			return fmt.Errorf("%s: %w", topicField(topic.Name, "Name"), err)
		}
	}

	return nil
}

func validateTopicName(name string) error {
	if strings.ContainsAny(name, " /\t") {
		return errors.New("主题名不允许包含空白或斜杠")
	}
	if strings.HasSuffix(name, "*") {
		return errors.New("通配主题只能用于订阅，不能注册")
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, "..") {
		return errors.New("主题段不能为空")
	}
	if !strings.HasPrefix(name, topicPrefix) {
		return fmt.Errorf("主题必须位于 %s 命名空间", strings.TrimSuffix(topicPrefix, "."))
	}
	return nil
}

func validateHubURL(raw string) error {
	if raw == "" {
		return errors.New("缺少 hub 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("hub 地址缺少 Host: %s", raw)
	}
	return nil
}
