package service

import (
	"context"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/seedream"
	"seedream-proxy/internal/types"

	"github.com/go-resty/resty/v2"
)

// Generator 图片生成能力，由 seedream.Client 实现
type Generator interface {
	TextToImage(ctx context.Context, prompt string, opts *types.GenerationRequest) (*types.GenerationResponse, error)
	ImageToImage(ctx context.Context, prompt, image string, opts *types.GenerationRequest) (*types.GenerationResponse, error)
	FuseImages(ctx context.Context, prompt string, images []string, opts *types.GenerationRequest) (*types.GenerationResponse, error)
	GenerateImageSet(ctx context.Context, prompt string, maxImages int, refs []string, opts *types.GenerationRequest) (*types.GenerationResponse, error)
	GenerateWithStream(ctx context.Context, req *types.GenerationRequest, progress seedream.ProgressFunc) (*types.GenerationResponse, error)
}

// GeneratorFactory 按调用方凭证创建生成器，空凭证表示使用服务端凭证
type GeneratorFactory func(credential string) Generator

// NewGeneratorFactory 返回共享 HTTP 客户端的生成器工厂
func NewGeneratorFactory(cfg *config.Config, def, stream *resty.Client, m *metrics.Metrics) GeneratorFactory {
	return func(credential string) Generator {
		return seedream.NewClient(cfg, credential,
			seedream.WithHTTPClients(def, stream),
			seedream.WithClientMetrics(m),
		)
	}
}
