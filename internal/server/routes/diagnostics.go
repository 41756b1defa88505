package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/alerthub/alerthub/internal/version"
)

const popularKeys = 10

// RegisterDiagnosticsRoutes 暴露 /-/stats 诊断接口，汇总缓存、broker 与 hub 的运行状态。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Deps) {
	app.Get("/-/stats", func(c fiber.Ctx) error {
		payload := fiber.Map{"build": version.Current()}
		if deps.Cache != nil {
			payload["cache"] = deps.Cache.Stats()
			payload["popular"] = deps.Cache.Popular(popularKeys)
		}
		if deps.Broker != nil {
			payload["pubsub"] = fiber.Map{
				"topics":      len(deps.Broker.Topics()),
				"subscribers": deps.Broker.Subscribers(),
			}
		}
		if deps.Hub != nil {
			payload["websub"] = deps.Hub.Stats()
		}
		return c.JSON(payload)
	})
}
