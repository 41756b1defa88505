package pubsub

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// Message 是一次发布产生的消息。Payload 在创建时深拷贝，
// 历史记录与每个订阅者拿到的都是各自独立的副本，互相修改不会影响。
type Message struct {
	ID        string         `json:"message_id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func newMessage(topic string, payload map[string]any, ts time.Time) Message {
	payload = clonePayload(payload)
	return Message{
		ID:        messageID(topic, payload, ts),
		Topic:     topic,
		Payload:   payload,
		Timestamp: ts,
	}
}

// messageID 取 topic:json(payload):时间戳 的 BLAKE3 摘要前 16 位十六进制。
func messageID(topic string, payload map[string]any, ts time.Time) string {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	h := blake3.New()
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write(body)
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(ts.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// clone 返回 Payload 独立的副本。
func (m Message) clone() Message {
	m.Payload = clonePayload(m.Payload)
	return m
}

// clonePayload 深拷贝 JSON 形态的 payload；nil 视为空对象。
func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return clonePayload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	case []byte:
		return append([]byte(nil), typed...)
	default:
		return v
	}
}
