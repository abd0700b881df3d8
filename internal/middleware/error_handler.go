package middleware

import (
	"net/http"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorHandler 统一错误响应：{"error":{"code":...,"message":...,"request_id":...}}
func ErrorHandler() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		// 流式响应已经开始写出时无法再改写状态码
		if c.Response().Committed {
			logger.Warn("响应已提交，忽略错误",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err),
			)
			return
		}

		requestID := requestIDOf(c)

		if appErr, ok := errors.As(err); ok {
			status, response := appErr.HTTPResponse()
			if errMap, ok := response["error"].(map[string]any); ok {
				errMap["request_id"] = requestID
			}

			fields := []zap.Field{
				zap.Int("status", status),
				zap.Int("error_code", int(appErr.Code)),
				zap.String("error_msg", appErr.Message),
				zap.Error(appErr.Err),
				zap.String("request_id", requestID),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("应用错误", fields...)
			} else {
				logger.Warn("应用错误", fields...)
			}
			if appErr.Code == errors.ErrTooManyRequests {
				c.Response().Header().Set("Retry-After", "1")
			}

			_ = c.JSON(status, response)
			return
		}

		if echoErr, ok := err.(*echo.HTTPError); ok {
			status := echoErr.Code
			message := http.StatusText(status)
			if m, ok := echoErr.Message.(string); ok {
				message = m
			}

			logger.Warn("框架错误",
				zap.Int("status", status),
				zap.String("error_msg", message),
				zap.Error(err),
			)

			_ = c.JSON(status, map[string]any{
				"error": map[string]any{
					"code":       status,
					"message":    message,
					"request_id": requestID,
				},
			})
			return
		}

		status := http.StatusInternalServerError
		logger.Error("未分类错误",
			zap.Int("status", status),
			zap.Error(err),
		)

		_ = c.JSON(status, map[string]any{
			"error": map[string]any{
				"code":       status,
				"message":    "服务器内部错误",
				"request_id": requestID,
			},
		})
	}
}

func requestIDOf(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
