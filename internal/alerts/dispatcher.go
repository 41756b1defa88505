// Package alerts turns exploit records into alert events and fans them out to
// the in-process broker and the WebSub hub.
package alerts

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alerthub/alerthub/internal/logging"
	"github.com/alerthub/alerthub/internal/pubsub"
)

// HistoryCachePrefix 是历史查询缓存 key 的前缀，每次派发后整体失效。
const HistoryCachePrefix = "history:"

var (
	severityTopics = map[string]struct{}{"critical": {}, "high": {}}
	softwareTopics = map[string]struct{}{
		"cms": {}, "framework": {}, "plugin": {}, "shopping_cart": {}, "forum": {},
	}
	exploitTopics = map[string]struct{}{"sqli": {}, "xss": {}, "rce": {}}
)

// Exploit 是一条待派发的漏洞利用记录。
type Exploit struct {
	ID           string `json:"id"`
	ExploitDBID  string `json:"exploit_db_id"`
	Title        string `json:"title"`
	Severity     string `json:"severity"`
	SoftwareType string `json:"software_type"`
	ExploitType  string `json:"exploit_type"`
	Platform     string `json:"platform"`
	CVEID        string `json:"cve_id"`
	SourceURL    string `json:"source_url"`
}

// Broker 是 Dispatcher 依赖的进程内发布接口。
type Broker interface {
	Publish(ctx context.Context, topic string, payload map[string]any) pubsub.Message
}

// Hub 是 Dispatcher 依赖的 WebSub 推送接口。
type Hub interface {
	Publish(ctx context.Context, topic string, content any) int
}

// Invalidator 用于派发后失效缓存的读路径。
type Invalidator interface {
	InvalidatePrefix(prefix string) int
}

// Report 汇总一次派发的结果。
type Report struct {
	ExploitID   string         `json:"exploit_id"`
	Topics      []string       `json:"topics"`
	MessageIDs  []string       `json:"message_ids"`
	HubDelivery map[string]int `json:"hub_delivery"`
	Invalidated int            `json:"invalidated"`
}

// Dispatcher 将一条 Exploit 发布到 alerts.all 以及对应的严重度、软件类型、利用类型主题。
type Dispatcher struct {
	broker Broker
	hub    Hub
	cache  Invalidator
	logger *logrus.Logger
	now    func() time.Time
}

// NewDispatcher 构建 Dispatcher；hub 与 cache 可为 nil。
func NewDispatcher(broker Broker, hub Hub, cache Invalidator, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{broker: broker, hub: hub, cache: cache, logger: logger, now: time.Now}
}

// Dispatch 构造告警 payload 并依次发布到所有相关主题。
func (d *Dispatcher) Dispatch(ctx context.Context, exploit Exploit) Report {
	payload := d.Payload(exploit)
	topics := Topics(exploit)

	report := Report{
		ExploitID:   exploitID(exploit),
		Topics:      topics,
		HubDelivery: make(map[string]int, len(topics)),
	}
	for _, topic := range topics {
		if d.broker != nil {
			msg := d.broker.Publish(ctx, topic, payload)
			report.MessageIDs = append(report.MessageIDs, msg.ID)
		}
		if d.hub != nil {
			report.HubDelivery[topic] = d.hub.Publish(ctx, topic, payload)
		}
	}
	if d.cache != nil {
		report.Invalidated = d.cache.InvalidatePrefix(HistoryCachePrefix)
	}

	d.logger.WithFields(logrus.Fields{
		"action":      "alert_dispatch",
		"exploit_id":  report.ExploitID,
		"topics":      topics,
		"invalidated": report.Invalidated,
	}).Info("alert_dispatched")
	return report
}

// Payload 返回推送给订阅方的告警内容。
func (d *Dispatcher) Payload(exploit Exploit) map[string]any {
	severity := exploit.Severity
	if severity == "" {
		severity = "unknown"
	}
	return map[string]any{
		"type":          "new_exploit",
		"exploit_id":    exploitID(exploit),
		"title":         exploit.Title,
		"severity":      severity,
		"software_type": exploit.SoftwareType,
		"exploit_type":  exploit.ExploitType,
		"platform":      exploit.Platform,
		"cve_id":        exploit.CVEID,
		"source_url":    exploit.SourceURL,
		"timestamp":     d.now().Format(time.RFC3339Nano),
	}
}

// Topics 返回 exploit 需要发布到的主题，alerts.all 总在首位。
func Topics(exploit Exploit) []string {
	topics := []string{pubsub.AllTopic}
	for _, candidate := range []struct {
		value string
		known map[string]struct{}
	}{
		{exploit.Severity, severityTopics},
		{exploit.SoftwareType, softwareTopics},
		{exploit.ExploitType, exploitTopics},
	} {
		value := strings.ToLower(strings.TrimSpace(candidate.value))
		if _, ok := candidate.known[value]; ok {
			topics = append(topics, pubsub.NamespacePrefix+value)
		}
	}
	return topics
}

func exploitID(exploit Exploit) string {
	if exploit.ID != "" {
		return exploit.ID
	}
	return exploit.ExploitDBID
}
