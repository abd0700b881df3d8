package gateway

import (
	"bufio"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/utils"

	"github.com/go-resty/resty/v2"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	bufferSize = 4096

	defaultContentType      = "application/octet-stream"
	defaultTransferEncoding = "chunked"
)

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

// Gateway 把一个入站请求原样转发到上游生成接口，并把响应体流式回写。
// 不在请求之间保存任何状态
type Gateway struct {
	cfg     *config.Config
	client  *resty.Client
	metrics *metrics.Metrics
}

// New 创建网关。client 必须开启 DoNotParseResponse
func New(cfg *config.Config, client *resty.Client, m *metrics.Metrics) *Gateway {
	return &Gateway{cfg: cfg, client: client, metrics: m}
}

// Handle 处理一次代理请求
func (g *Gateway) Handle(c echo.Context) error {
	req := c.Request()
	if req.Method != http.MethodPost {
		c.Response().Header().Set(echo.HeaderAllow, http.MethodPost)
		return g.fail(c, errors.NewMethodNotAllowedError(req.Method))
	}

	credential, appErr := g.resolveCredential(req)
	if appErr != nil {
		return g.fail(c, appErr)
	}
	logger.Debug("转发代理请求",
		zap.String("mode", g.cfg.Upstream.CredentialMode),
		zap.String("credential", utils.MaskSecret(credential)),
	)

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, g.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return g.fail(c, &errors.AppError{
				Code:    errors.ErrBadRequest,
				Message: http.StatusText(http.StatusRequestEntityTooLarge),
				Err:     err,
				Status:  http.StatusRequestEntityTooLarge,
			})
		}
		return g.fail(c, errors.NewBadRequestError("Failed to read request body", err))
	}

	start := time.Now()
	resp, err := g.client.R().
		SetContext(req.Context()).
		SetHeader(echo.HeaderContentType, echo.MIMEApplicationJSON).
		SetAuthToken(credential).
		SetBody(body).
		Post(g.cfg.Upstream.URL)
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		logger.Error("代理请求上游失败",
			zap.String("url", g.cfg.Upstream.URL),
			zap.Error(err),
		)
		return g.fail(c, errors.NewUpstreamUnreachableError(err))
	}

	raw := resp.RawBody()
	if raw == nil {
		return g.fail(c, errors.NewUpstreamEmptyError())
	}
	defer raw.Close()

	status := resp.StatusCode()
	g.metrics.UpstreamLatency(strconv.Itoa(status), time.Since(start))

	// 先探测第一个字节，空响应体在写响应头之前就能识别
	br := bufio.NewReaderSize(raw, bufferSize)
	if _, err := br.Peek(1); err != nil {
		if err == io.EOF {
			logger.Warn("上游返回空响应体", zap.Int("status", status))
			return g.fail(c, errors.NewUpstreamEmptyError())
		}
		logger.Error("读取上游响应失败", zap.Int("status", status), zap.Error(err))
		return g.fail(c, errors.NewUpstreamUnreachableError(err))
	}

	g.relayHeaders(c.Response().Header(), resp)
	c.Response().WriteHeader(status)

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)

	n, err := io.CopyBuffer(&flushWriter{w: c.Response()}, br, *bufPtr)
	g.metrics.RelayedBytes(n)
	if err != nil {
		// 响应头已发送，只能记录并断开
		logger.Warn("转发上游响应中断",
			zap.Int64("bytes", n),
			zap.Error(err),
		)
		g.metrics.GatewayRequest("relay_interrupted")
		return nil
	}

	outcome := "success"
	if status >= http.StatusBadRequest {
		outcome = "upstream_" + strconv.Itoa(status)
	}
	g.metrics.GatewayRequest(outcome)
	logger.Debug("代理请求完成",
		zap.Int("status", status),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// resolveCredential 按凭证模式确定转发时使用的密钥
func (g *Gateway) resolveCredential(r *http.Request) (string, *errors.AppError) {
	serverKey := g.cfg.Upstream.APIKey
	clientKey := bearerToken(r.Header.Get(echo.HeaderAuthorization))

	switch g.cfg.Upstream.CredentialMode {
	case config.CredentialModeClient:
		if clientKey == "" {
			return "", errors.NewMissingCredentialError("Missing Authorization header")
		}
		return clientKey, nil
	case config.CredentialModeAuto:
		if serverKey != "" {
			return serverKey, nil
		}
		if clientKey == "" {
			return "", errors.NewMissingCredentialError("API key is not configured on the server and no Authorization header was provided.")
		}
		return clientKey, nil
	default:
		if serverKey == "" {
			return "", errors.NewMissingCredentialError("API key is not configured on the server.")
		}
		return serverKey, nil
	}
}

// relayHeaders 复制上游的内容类型、分块标识和缓存策略
func (g *Gateway) relayHeaders(dst http.Header, resp *resty.Response) {
	contentType := resp.Header().Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	dst.Set(echo.HeaderContentType, contentType)

	// Go 的 http 客户端会把 Transfer-Encoding 从 Header 中移到 TransferEncoding 字段
	transferEncoding := defaultTransferEncoding
	if rr := resp.RawResponse; rr != nil && len(rr.TransferEncoding) > 0 {
		transferEncoding = strings.Join(rr.TransferEncoding, ", ")
	}
	dst.Set("Transfer-Encoding", transferEncoding)

	if cc := resp.Header().Get("Cache-Control"); cc != "" {
		dst.Set("Cache-Control", cc)
	}
}

// fail 以 {"error": "...", "details": "..."} 的形式返回网关错误
func (g *Gateway) fail(c echo.Context, appErr *errors.AppError) error {
	g.metrics.GatewayRequest(appErr.Code.String())

	body := map[string]string{"error": appErr.Message}
	if appErr.Code == errors.ErrUpstreamUnreachable && appErr.Err != nil {
		body["details"] = appErr.Err.Error()
	}
	return c.JSON(appErr.Status, body)
}

// bearerToken 取出 "Bearer <token>" 中的 token
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// flushWriter 每次写入后立即 flush，保证分块实时到达调用方
type flushWriter struct {
	w *echo.Response
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	f.w.Flush()
	return n, nil
}
