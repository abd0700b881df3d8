package middleware

import (
	"crypto/subtle"
	"strings"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/utils"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderAPIKey = "X-Api-Key"

	AnonymousUser = "anonymous"

	userIDKey     = "user_id"
	credentialKey = "credential"
)

// BearerAuth 校验服务访问令牌。未配置 security.bearer_token 时不做校验
func BearerAuth(cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		expected := cfg.Security.BearerToken
		if expected == "" {
			return next
		}
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.Warn("无效的授权头",
					zap.String("method", c.Request().Method),
					zap.String("uri", c.Request().RequestURI),
					zap.String("remote_addr", c.RealIP()),
				)
				return errors.NewUnauthorizedError("invalid authorization header")
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				logger.Warn("无效的Token",
					zap.String("method", c.Request().Method),
					zap.String("uri", c.Request().RequestURI),
					zap.String("remote_addr", c.RealIP()),
					zap.String("token", utils.MaskSecret(token)),
				)
				return errors.NewUnauthorizedError("invalid token")
			}
			return next(c)
		}
	}
}

// Identity 从请求头读取用户标识和调用方的上游凭证
func Identity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
			if userID == "" {
				userID = AnonymousUser
			}
			c.Set(userIDKey, userID)
			c.Set(credentialKey, strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey)))
			return next(c)
		}
	}
}

// UserID 返回当前请求的用户标识
func UserID(c echo.Context) string {
	if id, ok := c.Get(userIDKey).(string); ok && id != "" {
		return id
	}
	return AnonymousUser
}

// Credential 返回调用方通过 X-Api-Key 提供的上游凭证，可能为空
func Credential(c echo.Context) string {
	cred, _ := c.Get(credentialKey).(string)
	return cred
}
