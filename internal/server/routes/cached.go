package routes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/alerthub/alerthub/internal/cache"
)

// sendCached 以 key 缓存 build 的 JSON 编码结果，并按 If-None-Match 返回 304。
// 并发的同 key 请求只会触发一次 build。
func sendCached(c fiber.Ctx, proxy *cache.Proxy, key string, ttl time.Duration, build func(context.Context) (any, error)) error {
	if proxy == nil {
		payload, err := build(c.Context())
		if err != nil {
			return err
		}
		return c.JSON(payload)
	}

	value, err := proxy.Get(c.Context(), key, func(ctx context.Context) (any, error) {
		payload, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(payload)
	}, ttl)
	if err != nil {
		return err
	}

	cached, etag, notModified := proxy.ConditionalGet(key, c.Get(fiber.HeaderIfNoneMatch))
	if etag != "" {
		c.Set(fiber.HeaderETag, etag)
	}
	if notModified {
		return c.SendStatus(fiber.StatusNotModified)
	}
	// 条目可能在 Get 与 ConditionalGet 之间被淘汰，此时回落到 Get 的结果。
	if cached == nil {
		cached = value
	}
	body, ok := cached.([]byte)
	if !ok {
		return c.JSON(cached)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}
