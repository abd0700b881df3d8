package seedream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/types"
	"seedream-proxy/internal/utils"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const maxErrorBodyBytes = 64 << 10

// Client 通过代理网关调用生成 API。每个实例绑定一个凭证，不做全局缓存
type Client struct {
	cfg        *config.Config
	credential string
	endpoint   string
	http       *resty.Client
	stream     *resty.Client
	metrics    *metrics.Metrics
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithEndpoint 覆盖网关地址
func WithEndpoint(url string) ClientOption {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClients 复用已创建的 resty 客户端
func WithHTTPClients(def, stream *resty.Client) ClientOption {
	return func(c *Client) {
		c.http = def
		c.stream = stream
	}
}

// WithClientMetrics 设置指标
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient 创建客户端。credential 为空时由网关使用服务端凭证
func NewClient(cfg *config.Config, credential string, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg,
		credential: credential,
		endpoint:   cfg.Client.GatewayURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = utils.NewDefaultClient(cfg)
	}
	if c.stream == nil {
		c.stream = utils.NewStreamClient(cfg)
	}
	return c
}

// applyDefaults 填充默认模型、尺寸、返回格式和水印
func (c *Client) applyDefaults(req *types.GenerationRequest) {
	if req.Model == "" {
		req.Model = c.cfg.Upstream.DefaultModel
	}
	if req.Size == "" {
		req.Size = c.cfg.Client.DefaultSize
		if req.Size == "" {
			req.Size = defaultSize
		}
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = types.ResponseFormatURL
	}
	if req.Watermark == nil {
		w := c.cfg.Client.Watermark
		req.Watermark = &w
	}
}

// newRequest 构建带凭证的 JSON 请求
func (c *Client) newRequest(ctx context.Context, rc *resty.Client, body []byte) *resty.Request {
	r := rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if c.credential != "" {
		r.SetAuthToken(c.credential)
	}
	return r
}

// GenerateImage 非流式生成
func (c *Client) GenerateImage(ctx context.Context, in *types.GenerationRequest) (*types.GenerationResponse, error) {
	req := *in
	req.Stream = false
	c.applyDefaults(&req)
	if err := req.Validate(); err != nil {
		return nil, errors.NewInvalidInputError(err.Error(), err)
	}

	body, err := sonic.Marshal(&req)
	if err != nil {
		return nil, errors.NewInternalError(err)
	}

	r := c.newRequest(ctx, c.http, body)

	resp, err := r.Post(c.endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.NewCanceledError(ctxErr)
		}
		logger.Error("生成请求失败", zap.String("url", c.endpoint), zap.Error(err))
		return nil, errors.NewUpstreamUnreachableError(err)
	}

	if !resp.IsSuccess() {
		return nil, decodeErrorBody(resp.StatusCode(), resp.Body())
	}

	var out types.GenerationResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.NewRequestFailedError("解析生成结果失败", err)
	}
	return &out, nil
}

// GenerateWithStream 流式生成，逐帧组装结果
func (c *Client) GenerateWithStream(ctx context.Context, in *types.GenerationRequest, progress ProgressFunc) (*types.GenerationResponse, error) {
	req := *in
	req.Stream = true
	c.applyDefaults(&req)
	if err := req.Validate(); err != nil {
		return nil, errors.NewInvalidInputError(err.Error(), err)
	}

	body, err := sonic.Marshal(&req)
	if err != nil {
		return nil, errors.NewInternalError(err)
	}

	r := c.newRequest(ctx, c.stream, body)

	logger.Info("发起流式生成请求",
		zap.String("url", c.endpoint),
		zap.String("model", req.Model),
		zap.Int("reference_images", len(req.Image)),
		zap.String("sequential", string(req.SequentialImageGeneration)),
	)

	resp, err := r.Post(c.endpoint)
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.NewCanceledError(ctxErr)
		}
		logger.Error("流式生成请求失败", zap.String("url", c.endpoint), zap.Error(err))
		return nil, errors.NewUpstreamUnreachableError(err)
	}

	raw := resp.RawBody()
	if raw == nil {
		return nil, errors.NewUpstreamEmptyError()
	}
	defer raw.Close()

	if !resp.IsSuccess() {
		data, _ := io.ReadAll(io.LimitReader(raw, maxErrorBodyBytes))
		logger.Error("API 请求失败",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", utils.Truncate(string(data), 512)),
		)
		return nil, decodeErrorBody(resp.StatusCode(), data)
	}

	assembler := NewAssembler(req.Model, WithProgress(progress), WithMetrics(c.metrics))
	return assembler.Consume(ctx, raw)
}

// gatewayError 网关自身返回的错误体
type gatewayError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// decodeErrorBody 把非 2xx 响应转换为带类型的错误
func decodeErrorBody(status int, body []byte) error {
	var upstream types.ErrorResponse
	if err := sonic.Unmarshal(body, &upstream); err == nil && (upstream.Error.Code != "" || upstream.Error.Message != "") {
		return errors.NewUpstreamError(upstream.Error.Code, upstream.Error.Message, status)
	}

	var gw gatewayError
	if err := sonic.Unmarshal(body, &gw); err == nil && gw.Error != "" {
		switch status {
		case http.StatusUnauthorized:
			return errors.NewMissingCredentialError(gw.Error)
		case http.StatusMethodNotAllowed:
			return errors.NewMethodNotAllowedError(http.MethodPost)
		case http.StatusBadGateway:
			if gw.Details == "" {
				return errors.NewUpstreamEmptyError()
			}
			return errors.NewUpstreamUnreachableError(fmt.Errorf("%s", gw.Details))
		}
		return &errors.AppError{
			Code:    errors.ErrRequestFailed,
			Message: gw.Error,
			Status:  status,
		}
	}

	return &errors.AppError{
		Code:    errors.ErrRequestFailed,
		Message: fmt.Sprintf("API 请求失败: %d %s - %s", status, http.StatusText(status), utils.Truncate(string(body), 256)),
		Status:  status,
	}
}
