package routes

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/alerthub/alerthub/internal/logging"
	"github.com/alerthub/alerthub/internal/websub"
)

// TopicsCacheKey 是 /websub/topics 响应的缓存 key。
const TopicsCacheKey = "websub:topics"

// RegisterWebSubRoutes 暴露 hub 端点、主题查询与发现接口。
func RegisterWebSubRoutes(app *fiber.App, deps Deps) {
	hub := deps.Hub

	app.Post("/websub/hub", func(c fiber.Ctx) error {
		req, err := parseHubRequest(c)
		if err != nil {
			return err
		}
		result, err := hub.HandleRequest(c.Context(), req)
		if err != nil {
			return err
		}
		deps.Logger.WithFields(logging.SubscriptionFields("websub_request", string(req.Mode), req.Topic, req.Callback)).
			Info("websub_request_accepted")
		if deps.Cache != nil {
			deps.Cache.Invalidate(TopicsCacheKey)
		}
		return c.Status(fiber.StatusAccepted).JSON(result)
	})

	app.Get("/websub", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(hubInfoPage(hub.HubURL(), hub.TopicNames()))
	})

	app.Get("/websub/topics", func(c fiber.Ctx) error {
		return sendCached(c, deps.Cache, TopicsCacheKey, deps.ReadTTL, func(context.Context) (any, error) {
			return fiber.Map{
				"hub_url": hub.HubURL(),
				"topics":  hub.Topics(),
			}, nil
		})
	})

	app.Get("/websub/topic/*", func(c fiber.Ctx) error {
		topic := pathTopic(c.Params("*"))
		info, ok := hub.TopicInfo(topic)
		if !ok {
			return &websub.NotFoundError{Kind: "topic", Key: topic}
		}
		return c.JSON(info)
	})

	app.Get("/websub/discover/*", func(c fiber.Ctx) error {
		topic := pathTopic(c.Params("*"))
		if _, ok := hub.TopicInfo(topic); !ok {
			return &websub.NotFoundError{Kind: "topic", Key: topic}
		}
		self := c.BaseURL() + "/websub/topic/" + topic
		c.Set(fiber.HeaderLink, fmt.Sprintf(`<%s>; rel="hub", <%s>; rel="self"`, hub.HubURL(), self))
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(discoveryPage(hub.HubURL(), self, topic))
	})
}

// parseHubRequest 读取 hub.* 表单字段；lease_seconds 非整数时视为校验失败。
// 订阅会在请求结束后继续保存这些值，所以全部复制一份。
func parseHubRequest(c fiber.Ctx) (websub.Request, error) {
	field := func(key string) string {
		return strings.Clone(strings.TrimSpace(c.FormValue(key)))
	}
	req := websub.Request{
		Mode:     websub.Mode(field("hub.mode")),
		Callback: field("hub.callback"),
		Topic:    field("hub.topic"),
		Secret:   strings.Clone(c.FormValue("hub.secret")),
	}
	if raw := field("hub.lease_seconds"); raw != "" {
		lease, err := strconv.Atoi(raw)
		if err != nil {
			return websub.Request{}, &websub.ValidationError{Field: "hub.lease_seconds", Reason: "must be an integer"}
		}
		req.LeaseSeconds = lease
	}
	return req, nil
}

// pathTopic 把 URL 路径形式的主题（alerts/cms）转换为点分形式。
func pathTopic(raw string) string {
	return strings.ToLower(strings.ReplaceAll(strings.Trim(raw, "/"), "/", "."))
}

func hubInfoPage(hubURL string, topics []string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>Alert Hub</title>")
	fmt.Fprintf(&b, `<link rel="hub" href="%s">`, html.EscapeString(hubURL))
	b.WriteString("</head><body>\n<h1>Alert Hub WebSub</h1>\n")
	fmt.Fprintf(&b, "<p>Hub endpoint: <code>%s</code></p>\n<ul>\n", html.EscapeString(hubURL))
	for _, topic := range topics {
		fmt.Fprintf(&b, "<li><code>%s</code></li>\n", html.EscapeString(topic))
	}
	b.WriteString("</ul>\n</body></html>\n")
	return b.String()
}

func discoveryPage(hubURL, self, topic string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%[3]s</title><link rel="hub" href="%[1]s"><link rel="self" href="%[2]s"></head>
<body><p>Subscribe to <code>%[3]s</code> via <code>%[1]s</code>.</p></body></html>
`, html.EscapeString(hubURL), html.EscapeString(self), html.EscapeString(topic))
}
