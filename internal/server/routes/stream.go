package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alerthub/alerthub/internal/pubsub"
)

// streamFilterKeys 是直播流支持的过滤参数，逗号分隔的值按集合匹配。
var streamFilterKeys = []string{"severity", "software_type", "exploit_type", "platform", "cve_id"}

func handleStream(deps Deps) fiber.Handler {
	return func(c fiber.Ctx) error {
		topics := splitList(c.Query("topics"))
		if len(topics) == 0 {
			topics = []string{pubsub.AllTopic}
		}
		filters := streamFilters(c)

		id := "sse_" + uuid.NewString()
		session, ok := pubsub.NewSession(deps.Broker, id, topics, filters, deps.StreamBuffer)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "invalid topics")
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		logger := deps.Logger.WithFields(logrus.Fields{
			"action":  "alert_stream",
			"session": id,
			"topics":  topics,
		})
		logger.Info("stream_opened")

		err := c.SendStreamWriter(func(w *bufio.Writer) {
			defer session.Close()
			streamEvents(w, session, topics, deps.Heartbeat, deps.Shutdown)
			logger.WithField("dropped", session.Dropped()).Info("stream_closed")
		})
		if err != nil {
			session.Close()
		}
		return err
	}
}

// streamEvents 先发送 connected 事件，随后转发告警并定期写心跳注释。
// 写入失败（客户端断开）、会话关闭或 shutdown 关闭时返回。
func streamEvents(w *bufio.Writer, session *pubsub.Session, topics []string, heartbeat time.Duration, shutdown <-chan struct{}) {
	connected := map[string]any{
		"session_id": session.ID(),
		"topics":     topics,
	}
	if writeEvent(w, "connected", "", connected) != nil {
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case <-shutdown:
			return
		case msg := <-session.C():
			if writeEvent(w, "alert", msg.ID, msg) != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			if w.Flush() != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event, id string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	return w.Flush()
}

func streamFilters(c fiber.Ctx) pubsub.Filters {
	filters := pubsub.Filters{}
	for _, key := range streamFilterKeys {
		values := splitList(c.Query(key))
		switch len(values) {
		case 0:
		case 1:
			filters[key] = values[0]
		default:
			filters[key] = values
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// splitList 拆分逗号列表；Fiber 的参数字符串仅在 handler 内有效，因此先复制。
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(strings.Clone(raw), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
