package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEcho(cfg *config.Config, mws ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler()
	e.Use(RequestLogger(cfg))
	e.Use(mws...)
	e.GET("/v1/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"user": UserID(c), "credential": Credential(c)})
	})
	e.GET("/v1/fail", func(c echo.Context) error {
		return errors.NewTaskNotFoundError("t-1")
	})
	e.GET("/v1/stream", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("partial"))
		return errors.NewIncompleteStreamError()
	})
	return e
}

func do(e *echo.Echo, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestBearerAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Security.BearerToken = "secret-token"
	e := newEcho(cfg, BearerAuth(cfg))

	rec := do(e, "/v1/ping", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorBody(t, rec)["code"])

	rec = do(e, "/v1/ping", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", errorBody(t, rec)["message"])

	rec = do(e, "/v1/ping", map[string]string{"Authorization": "Bearer secret-token"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuthDisabledWithoutToken(t *testing.T) {
	cfg := config.Default()
	e := newEcho(cfg, BearerAuth(cfg))

	rec := do(e, "/v1/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentity(t *testing.T) {
	e := newEcho(config.Default(), Identity())

	rec := do(e, "/v1/ping", nil)
	assert.JSONEq(t, `{"user":"anonymous","credential":""}`, rec.Body.String())

	rec = do(e, "/v1/ping", map[string]string{HeaderUserID: " u-42 ", HeaderAPIKey: "sk-user"})
	assert.JSONEq(t, `{"user":"u-42","credential":"sk-user"}`, rec.Body.String())
}

func TestErrorHandler(t *testing.T) {
	e := newEcho(config.Default())

	rec := do(e, "/v1/fail", map[string]string{echo.HeaderXRequestID: "req-fixed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, "task_not_found", body["code"])
	assert.Equal(t, "req-fixed", body["request_id"])
	assert.Equal(t, "req-fixed", rec.Header().Get(echo.HeaderXRequestID))

	rec = do(e, "/v1/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, errorBody(t, rec)["request_id"])
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderXRequestID), "req_"))
}

func TestErrorHandlerSkipsCommittedResponse(t *testing.T) {
	e := newEcho(config.Default())

	rec := do(e, "/v1/stream", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Close()
	e := newEcho(config.Default(), rl.Middleware())

	headers := map[string]string{echo.HeaderXRealIP: "10.0.0.1"}
	assert.Equal(t, http.StatusOK, do(e, "/v1/ping", headers).Code)
	assert.Equal(t, http.StatusOK, do(e, "/v1/ping", headers).Code)

	rec := do(e, "/v1/ping", headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", errorBody(t, rec)["code"])

	// 其他客户端不受影响
	assert.Equal(t, http.StatusOK, do(e, "/v1/ping", map[string]string{echo.HeaderXRealIP: "10.0.0.2"}).Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		rl.Limiter(fmt.Sprintf("10.0.0.%d", i))
	}

	now = now.Add(5 * time.Minute)
	rl.Limiter("10.0.0.0")
	assert.Equal(t, 0, rl.cleanup())

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 2, rl.cleanup())
	assert.Len(t, rl.clients, 1)
}
