package middleware

import (
	"strings"
	"time"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/logger"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RequestLogger 请求日志中间件，同时保证每个请求都带有 X-Request-ID
func RequestLogger(cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = res.Header().Get(echo.HeaderXRequestID)
			}
			if requestID == "" {
				requestID = generateRequestID()
				req.Header.Set(echo.HeaderXRequestID, requestID)
			}
			res.Header().Set(echo.HeaderXRequestID, requestID)

			if !cfg.Logging.EnableRequestLog {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", res.Status),
				zap.Duration("latency", duration),
				zap.String("remote_addr", c.RealIP()),
				zap.String("request_id", requestID),
				zap.String("user_agent", req.UserAgent()),
			}
			if res.Size > 0 {
				fields = append(fields, zap.Int64("response_size", res.Size))
			}

			if err != nil {
				fields = append(fields, zap.Error(err))
				logger.Error("请求失败", fields...)
				return err
			}

			switch {
			case res.Status >= 500:
				logger.Error("请求完成但服务器错误", fields...)
			case res.Status >= 400:
				logger.Warn("请求完成但客户端错误", fields...)
			case isProbe(req.URL.Path, cfg):
				logger.Debug("请求完成", fields...)
			default:
				logger.Info("请求完成", fields...)
			}
			return nil
		}
	}
}

// isProbe 健康检查和指标抓取只在 debug 级别记录
func isProbe(path string, cfg *config.Config) bool {
	return path == "/health" || strings.HasPrefix(path, cfg.Metrics.Path)
}

func generateRequestID() string {
	return "req_" + uuid.NewString()
}
