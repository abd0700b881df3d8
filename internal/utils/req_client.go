package utils

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const userAgent = "seedream-proxy/1.0"

// NewStreamClient 创建流式专用客户端：不解析响应体、不重试
func NewStreamClient(cfg *config.Config) *resty.Client {
	client := resty.NewWithClient(&http.Client{
		Transport: newTransport(cfg),
		Timeout:   cfg.HTTPClient.Timeout,
	}).
		SetDoNotParseResponse(true). // SSE需要流式处理
		SetHeaders(map[string]string{
			"User-Agent": userAgent,
			"Accept":     "text/event-stream,application/json",
		}).
		OnBeforeRequest(logRequest(cfg))

	return client
}

// NewDefaultClient 创建默认客户端，网络错误或5xx时重试
func NewDefaultClient(cfg *config.Config) *resty.Client {
	client := resty.NewWithClient(&http.Client{
		Transport: newTransport(cfg),
		Timeout:   cfg.HTTPClient.Timeout,
	}).
		SetRetryCount(cfg.HTTPClient.RetryCount).
		SetRetryWaitTime(cfg.HTTPClient.RetryWaitTime).
		SetRetryMaxWaitTime(cfg.HTTPClient.RetryMaxWaitTime).
		SetHeaders(map[string]string{
			"Content-Type": "application/json",
			"User-Agent":   userAgent,
			"Accept":       "application/json",
		}).
		OnBeforeRequest(logRequest(cfg))

	// 添加重试条件
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		// 网络错误或5xx错误时重试
		return err != nil || (r != nil && r.StatusCode() >= 500)
	})

	return client
}

// newTransport 创建自定义的Transport
func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Security.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12, // 强制使用TLS 1.2+
		},
	}
}

// logRequest 在 debug 级别记录请求头，Authorization 按配置脱敏
func logRequest(cfg *config.Config) resty.RequestMiddleware {
	return func(c *resty.Client, r *resty.Request) error {
		headers := make(map[string]string)
		for k, v := range r.Header {
			if len(v) == 0 {
				continue
			}
			if cfg.Logging.MaskSensitive && strings.EqualFold(k, "Authorization") {
				headers[k] = MaskSecret(v[0])
				continue
			}
			headers[k] = v[0]
		}
		logger.Debug("发送上游请求",
			zap.Any("headers", headers),
			zap.String("url", r.URL),
			zap.String("method", r.Method),
		)
		return nil
	}
}

// MaskSecret 只保留前4个字符
func MaskSecret(s string) string {
	s = strings.TrimPrefix(s, "Bearer ")
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "..."
}
