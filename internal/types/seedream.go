package types

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
)

// SequentialMode 组图生成模式
type SequentialMode string

const (
	SequentialDisabled SequentialMode = "disabled"
	SequentialAuto     SequentialMode = "auto"
)

// ResponseFormat 图片返回格式，与 OpenAI 图片接口取值一致
type ResponseFormat string

const (
	ResponseFormatURL     ResponseFormat = openai.CreateImageResponseFormatURL
	ResponseFormatB64JSON ResponseFormat = openai.CreateImageResponseFormatB64JSON
)

const (
	MinSequentialImages = 1
	MaxSequentialImages = 15
	MaxFusionImages     = 10
)

// ImageInput 参考图列表。单张时序列化为字符串，多张时序列化为数组
type ImageInput []string

// MarshalJSON 实现 json.Marshaler
func (in ImageInput) MarshalJSON() ([]byte, error) {
	if len(in) == 1 {
		return sonic.Marshal(in[0])
	}
	return sonic.Marshal([]string(in))
}

// UnmarshalJSON 同时接受字符串和字符串数组
func (in *ImageInput) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*in = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := sonic.Unmarshal(data, &single); err != nil {
			return err
		}
		*in = ImageInput{single}
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("image must be a string or an array of strings: %w", err)
	}
	*in = ImageInput(many)
	return nil
}

// SequentialOptions 组图生成参数
type SequentialOptions struct {
	MaxImages *int `json:"max_images,omitempty"`
}

// GenerationRequest 图片生成请求
type GenerationRequest struct {
	Model                     string             `json:"model"`
	Prompt                    string             `json:"prompt"`
	Image                     ImageInput         `json:"image,omitempty"`
	Size                      string             `json:"size,omitempty"`
	Seed                      *int64             `json:"seed,omitempty"`
	SequentialImageGeneration SequentialMode     `json:"sequential_image_generation,omitempty"`
	SequentialOptions         *SequentialOptions `json:"sequential_image_generation_options,omitempty"`
	Stream                    bool               `json:"stream,omitempty"`
	GuidanceScale             *float64           `json:"guidance_scale,omitempty"`
	ResponseFormat            ResponseFormat     `json:"response_format,omitempty"`
	Watermark                 *bool              `json:"watermark,omitempty"`
}

// MaxImages 返回组图数量，未设置时返回 0
func (r *GenerationRequest) MaxImages() int {
	if r.SequentialOptions == nil || r.SequentialOptions.MaxImages == nil {
		return 0
	}
	return *r.SequentialOptions.MaxImages
}

// SetMaxImages 设置组图数量
func (r *GenerationRequest) SetMaxImages(n int) {
	r.SequentialOptions = &SequentialOptions{MaxImages: &n}
}

// Validate 校验请求字段的取值范围
func (r *GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	switch r.SequentialImageGeneration {
	case "", SequentialDisabled, SequentialAuto:
	default:
		return fmt.Errorf("sequential_image_generation must be disabled or auto, got %q", r.SequentialImageGeneration)
	}
	switch r.ResponseFormat {
	case "", ResponseFormatURL, ResponseFormatB64JSON:
	default:
		return fmt.Errorf("response_format must be url or b64_json, got %q", r.ResponseFormat)
	}
	if r.SequentialOptions != nil && r.SequentialOptions.MaxImages != nil {
		n := *r.SequentialOptions.MaxImages
		if n < MinSequentialImages || n > MaxSequentialImages {
			return fmt.Errorf("max_images must be between %d and %d, got %d", MinSequentialImages, MaxSequentialImages, n)
		}
	}
	return nil
}

// ImageData 单张生成结果
type ImageData struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
	Size    string `json:"size"`
}

// Usage 用量信息
type Usage struct {
	GeneratedImages int `json:"generated_images"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
}

// GenerationResponse 完整的生成结果
type GenerationResponse struct {
	Model   string      `json:"model"`
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Usage   Usage       `json:"usage"`
}

// URLs 返回所有图片 URL（跳过内联图片）
func (r *GenerationResponse) URLs() []string {
	urls := make([]string, 0, len(r.Data))
	for _, d := range r.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return urls
}

// ErrorDetail 上游错误对象
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse 上游错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// 可通过网关调用的 Seedream 系列模型
var supportedModels = []string{
	"doubao-seedream-4-0-250828",
	"doubao-seedream-3-0-t2i-250415",
	"doubao-seededit-3-0-i2i-250628",
}

// GetSupportedModels 返回支持的模型列表
func GetSupportedModels() []string {
	return append([]string(nil), supportedModels...)
}

// ModelList 以 OpenAI 模型列表格式返回
func ModelList(models []string) openai.ModelsList {
	list := openai.ModelsList{Models: make([]openai.Model, 0, len(models))}
	for _, id := range models {
		list.Models = append(list.Models, openai.Model{
			ID:      id,
			Object:  "model",
			OwnedBy: "volcengine",
		})
	}
	return list
}
