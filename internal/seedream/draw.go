package seedream

import (
	"context"
	"fmt"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/types"
)

const (
	defaultSize      = "2K"
	validationSize   = "1K"
	DefaultMaxImages = 4
)

// withOptions 把可选参数覆盖到基础请求上。prompt 和参考图由模式决定，不被覆盖
func withOptions(base types.GenerationRequest, opts *types.GenerationRequest) types.GenerationRequest {
	if opts == nil {
		return base
	}
	if opts.Model != "" {
		base.Model = opts.Model
	}
	if opts.Size != "" {
		base.Size = opts.Size
	}
	if opts.Seed != nil {
		base.Seed = opts.Seed
	}
	if opts.SequentialImageGeneration != "" {
		base.SequentialImageGeneration = opts.SequentialImageGeneration
	}
	if opts.SequentialOptions != nil {
		base.SequentialOptions = opts.SequentialOptions
	}
	if opts.GuidanceScale != nil {
		base.GuidanceScale = opts.GuidanceScale
	}
	if opts.ResponseFormat != "" {
		base.ResponseFormat = opts.ResponseFormat
	}
	if opts.Watermark != nil {
		base.Watermark = opts.Watermark
	}
	base.Stream = opts.Stream
	return base
}

// TextToImageRequest 文生图
func TextToImageRequest(prompt string, opts *types.GenerationRequest) types.GenerationRequest {
	return withOptions(types.GenerationRequest{
		Prompt:                    prompt,
		SequentialImageGeneration: types.SequentialDisabled,
	}, opts)
}

// ImageToImageRequest 单图加文字生成
func ImageToImageRequest(prompt, image string, opts *types.GenerationRequest) types.GenerationRequest {
	return withOptions(types.GenerationRequest{
		Prompt:                    prompt,
		Image:                     types.ImageInput{image},
		SequentialImageGeneration: types.SequentialDisabled,
	}, opts)
}

// FuseImagesRequest 多图融合，需要 1 到 10 张参考图
func FuseImagesRequest(prompt string, images []string, opts *types.GenerationRequest) (types.GenerationRequest, error) {
	if len(images) == 0 {
		return types.GenerationRequest{}, errors.NewInvalidInputError("至少需要一张参考图片", nil)
	}
	if len(images) > types.MaxFusionImages {
		return types.GenerationRequest{}, errors.NewInvalidInputError(fmt.Sprintf("最多支持%d张参考图片", types.MaxFusionImages), nil)
	}
	return withOptions(types.GenerationRequest{
		Prompt:                    prompt,
		Image:                     types.ImageInput(images),
		SequentialImageGeneration: types.SequentialDisabled,
	}, opts), nil
}

// ImageSetRequest 组图生成，maxImages 取值 1 到 15，参考图可为空
func ImageSetRequest(prompt string, maxImages int, refs []string, opts *types.GenerationRequest) (types.GenerationRequest, error) {
	if maxImages < types.MinSequentialImages || maxImages > types.MaxSequentialImages {
		return types.GenerationRequest{}, errors.NewInvalidInputError(
			fmt.Sprintf("图片数量必须在%d-%d之间", types.MinSequentialImages, types.MaxSequentialImages), nil)
	}
	req := withOptions(types.GenerationRequest{
		Prompt: prompt,
		Image:  types.ImageInput(refs),
	}, opts)
	// 组图模式和数量由本函数决定
	req.SequentialImageGeneration = types.SequentialAuto
	req.SetMaxImages(maxImages)
	return req, nil
}

// TextToImage 文生图
func (c *Client) TextToImage(ctx context.Context, prompt string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	req := TextToImageRequest(prompt, opts)
	return c.GenerateImage(ctx, &req)
}

// ImageToImage 图文生图
func (c *Client) ImageToImage(ctx context.Context, prompt, image string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	req := ImageToImageRequest(prompt, image, opts)
	return c.GenerateImage(ctx, &req)
}

// FuseImages 多图融合
func (c *Client) FuseImages(ctx context.Context, prompt string, images []string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	req, err := FuseImagesRequest(prompt, images, opts)
	if err != nil {
		return nil, err
	}
	return c.GenerateImage(ctx, &req)
}

// GenerateImageSet 组图生成
func (c *Client) GenerateImageSet(ctx context.Context, prompt string, maxImages int, refs []string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	req, err := ImageSetRequest(prompt, maxImages, refs, opts)
	if err != nil {
		return nil, err
	}
	return c.GenerateImage(ctx, &req)
}

// ValidateAPIKey 发送一个最小的文生图请求检查凭证是否可用
func (c *Client) ValidateAPIKey(ctx context.Context) bool {
	_, err := c.TextToImage(ctx, "test", &types.GenerationRequest{Size: validationSize})
	return err == nil
}
