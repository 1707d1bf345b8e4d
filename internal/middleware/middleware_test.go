package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	for _, h := range handlers {
		app.Use(h)
	}
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/api/messages", func(c *fiber.Ctx) error { return c.SendString("[]") })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.ErrTeapot })
	return app
}

func get(t *testing.T, app *fiber.App, path string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestRequestIDKeepsCallerValue(t *testing.T) {
	app := newApp(RequestID())

	resp := get(t, app, "/health", map[string]string{HeaderRequestID: "abc-123"})
	assert.Equal(t, "abc-123", resp.Header.Get(HeaderRequestID))

	resp = get(t, app, "/health", nil)
	assert.Len(t, resp.Header.Get(HeaderRequestID), 36)
}

func TestSecurityHeaders(t *testing.T) {
	resp := get(t, newApp(SecurityHeaders()), "/health", nil)

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'none'")
}

func TestRateLimitSkipsHealth(t *testing.T) {
	app := newApp(RateLimit(2, time.Minute))

	for i := 0; i < 2; i++ {
		assert.Equal(t, fiber.StatusOK, get(t, app, "/api/messages", nil).StatusCode)
	}
	resp := get(t, app, "/api/messages", nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get(fiber.HeaderRetryAfter))

	assert.Equal(t, fiber.StatusOK, get(t, app, "/health", nil).StatusCode)
}

func TestRateLimitDisabled(t *testing.T) {
	app := newApp(RateLimit(0, time.Minute))
	for i := 0; i < 5; i++ {
		assert.Equal(t, fiber.StatusOK, get(t, app, "/api/messages", nil).StatusCode)
	}
}

func TestCORS(t *testing.T) {
	app := newApp(CORS("http://localhost:3000"))

	resp := get(t, app, "/api/messages", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "http://localhost:3000", resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))

	resp = get(t, app, "/api/messages", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	app := newApp(RequestID(), RequestLogger(log))

	resp := get(t, app, "/boom", map[string]string{HeaderRequestID: "req-1"})
	_, _ = io.Copy(io.Discard, resp.Body)

	assert.Contains(t, buf.String(), `"path":"/boom"`)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
}
