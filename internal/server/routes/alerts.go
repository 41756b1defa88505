package routes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/alerthub/alerthub/internal/alerts"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RegisterAlertRoutes 暴露直播流、历史查询、主题列表与告警注入接口。
func RegisterAlertRoutes(app *fiber.App, deps Deps) {
	broker := deps.Broker

	app.Get("/api/alerts/stream", handleStream(deps))

	app.Get("/api/alerts/history/:topic", func(c fiber.Ctx) error {
		topic := strings.ToLower(strings.Clone(c.Params("topic")))
		limit, err := historyLimit(c.Query("limit"))
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%s:%d", alerts.HistoryCachePrefix, topic, limit)
		return sendCached(c, deps.Cache, key, deps.ReadTTL, func(context.Context) (any, error) {
			messages := broker.History(topic, time.Time{}, limit)
			return fiber.Map{
				"topic":    topic,
				"count":    len(messages),
				"messages": messages,
			}, nil
		})
	})

	app.Get("/api/alerts/topics", func(c fiber.Ctx) error {
		topics := broker.Topics()
		counts := make(map[string]int, len(topics))
		for name := range topics {
			counts[name] = broker.SubscriberCount(name)
		}
		return c.JSON(fiber.Map{
			"topics":            topics,
			"subscriber_counts": counts,
			"subscribers":       broker.Subscribers(),
		})
	})

	if deps.Dispatcher != nil {
		app.Post("/-/alerts", func(c fiber.Ctx) error {
			var exploit alerts.Exploit
			if err := c.Bind().JSON(&exploit); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
			}
			if exploit.ID == "" && exploit.ExploitDBID == "" && exploit.Title == "" {
				return fiber.NewError(fiber.StatusBadRequest, "one of id, exploit_db_id or title is required")
			}
			report := deps.Dispatcher.Dispatch(c.Context(), exploit)
			return c.Status(fiber.StatusAccepted).JSON(report)
		})
	}
}

func historyLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
	}
	return limit, nil
}
