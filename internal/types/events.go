package types

// StreamEvent 流中解析出的单个事件。变体集合是封闭的：
// ImageFragment、UsageFragment、MetadataFragment、ErrorFragment、Sentinel
type StreamEvent interface {
	Kind() string
	streamEvent()
}

// ImageFragment 一张图片
type ImageFragment struct {
	URL        string
	InlineData string
	Size       string
}

// UsageFragment 用量信息
type UsageFragment struct {
	GeneratedImages int
	OutputTokens    int
	TotalTokens     int
}

// MetadataFragment 模型与创建时间。零值字段表示未携带
type MetadataFragment struct {
	Model     string
	CreatedAt int64
}

// ErrorFragment 上游在流中返回的错误
type ErrorFragment struct {
	Code    string
	Message string
}

// Sentinel 流结束标记 [DONE]
type Sentinel struct{}

func (ImageFragment) Kind() string    { return "image" }
func (UsageFragment) Kind() string    { return "usage" }
func (MetadataFragment) Kind() string { return "metadata" }
func (ErrorFragment) Kind() string    { return "error" }
func (Sentinel) Kind() string         { return "sentinel" }

func (ImageFragment) streamEvent()    {}
func (UsageFragment) streamEvent()    {}
func (MetadataFragment) streamEvent() {}
func (ErrorFragment) streamEvent()    {}
func (Sentinel) streamEvent()         {}

// ImageData 转换为结果中的图片描述
func (f ImageFragment) ImageData() ImageData {
	return ImageData{URL: f.URL, B64JSON: f.InlineData, Size: f.Size}
}

// Usage 转换为结果中的用量
func (f UsageFragment) Usage() Usage {
	return Usage{
		GeneratedImages: f.GeneratedImages,
		OutputTokens:    f.OutputTokens,
		TotalTokens:     f.TotalTokens,
	}
}
