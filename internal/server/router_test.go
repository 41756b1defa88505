package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/alerthub/alerthub/internal/cache"
	"github.com/alerthub/alerthub/internal/logging"
	"github.com/alerthub/alerthub/internal/websub"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	app, err := NewApp(AppOptions{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new app error: %v", err)
	}
	app.Get("/ok", func(c fiber.Ctx) error { return c.SendString(RequestID(c)) })
	app.Get("/validation", func(fiber.Ctx) error {
		return &websub.ValidationError{Field: "hub.mode", Reason: "missing"}
	})
	app.Get("/missing", func(fiber.Ctx) error {
		return &websub.NotFoundError{Kind: "topic", Key: "feeds.x"}
	})
	app.Get("/closed", func(fiber.Ctx) error { return websub.ErrHubClosed })
	app.Get("/busy", func(fiber.Ctx) error { return websub.ErrHubBusy })
	app.Get("/upstream", func(fiber.Ctx) error {
		return &cache.FetchError{Key: "k", Err: errors.New("down")}
	})
	app.Get("/panic", func(fiber.Ctx) error { panic("boom") })
	return app
}

func TestNewAppRequiresLogger(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
}

func TestRequestIDIsGeneratedAndEchoed(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/ok", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	reqID := resp.Header.Get(RequestIDHeader)
	if reqID == "" || string(body) != reqID {
		t.Fatalf("expected X-Request-ID to be set and stored in locals, header=%q body=%q", reqID, body)
	}

	req := httptest.NewRequest("GET", "/ok", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get(RequestIDHeader) != "upstream-id" {
		t.Fatalf("incoming request id should be preserved")
	}
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	app := newTestApp(t)

	cases := map[string]struct {
		status int
		code   string
	}{
		"/validation": {fiber.StatusBadRequest, "invalid_request"},
		"/missing":    {fiber.StatusNotFound, "topic_not_found"},
		"/closed":     {fiber.StatusServiceUnavailable, "hub_unavailable"},
		"/busy":       {fiber.StatusServiceUnavailable, "hub_busy"},
		"/upstream":   {fiber.StatusBadGateway, "upstream_failed"},
		"/panic":      {fiber.StatusInternalServerError, "internal_error"},
		"/nowhere":    {fiber.StatusNotFound, "http_error"},
	}
	for path, want := range cases {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("%s: app.Test failed: %v", path, err)
		}
		if resp.StatusCode != want.status {
			t.Fatalf("%s: expected %d, got %d", path, want.status, resp.StatusCode)
		}
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("%s: error body should be JSON: %v", path, err)
		}
		if payload["error"] != want.code {
			t.Fatalf("%s: expected error code %s, got %v", path, want.code, payload["error"])
		}
	}
}
