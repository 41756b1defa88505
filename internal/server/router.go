package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alerthub/alerthub/internal/cache"
	"github.com/alerthub/alerthub/internal/websub"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
}

const contextKeyRequestID = "_alerthub_request_id"

// RequestIDHeader 是回写给客户端的请求 ID 头。
const RequestIDHeader = "X-Request-ID"

// NewApp builds a Fiber application with recover, request-id and access-log
// middleware plus a JSON error handler. Routes are attached by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := c.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(RequestIDHeader, reqID)

		started := time.Now()
		err := c.Next()

		logger.WithFields(logrus.Fields{
			"action":      "http_request",
			"request_id":  reqID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Debug("request_completed")
		return err
	}
}

// errorHandler 将领域错误映射为 HTTP 状态码并统一输出 JSON。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := classify(err)

		entry := logger.WithFields(logrus.Fields{
			"action":     "http_error",
			"request_id": RequestID(c),
			"path":       c.Path(),
			"status":     status,
		}).WithError(err)
		if status >= fiber.StatusInternalServerError {
			entry.Error("request_failed")
		} else {
			entry.Debug("request_rejected")
		}

		return c.Status(status).JSON(fiber.Map{
			"error":      code,
			"detail":     err.Error(),
			"request_id": RequestID(c),
		})
	}
}

func classify(err error) (int, string) {
	var (
		validationErr *websub.ValidationError
		notFoundErr   *websub.NotFoundError
		fetchErr      *cache.FetchError
		fiberErr      *fiber.Error
	)
	switch {
	case errors.As(err, &validationErr):
		return fiber.StatusBadRequest, "invalid_request"
	case errors.As(err, &notFoundErr):
		return fiber.StatusNotFound, notFoundErr.Kind + "_not_found"
	case errors.Is(err, websub.ErrHubClosed):
		return fiber.StatusServiceUnavailable, "hub_unavailable"
	case errors.Is(err, websub.ErrHubBusy):
		return fiber.StatusServiceUnavailable, "hub_busy"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "timeout"
	case errors.As(err, &fetchErr):
		return fiber.StatusBadGateway, "upstream_failed"
	case errors.As(err, &fiberErr):
		return fiberErr.Code, "http_error"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
