package seedream

import (
	"bytes"
	"fmt"
	"sync"

	"seedream-proxy/internal/types"

	"github.com/bytedance/sonic"
)

const (
	sseFinish  = "[DONE]"
	bufferSize = 4096 // 读缓冲区大小

	dataPrefix    = "data: "
	dataPrefixLen = len(dataPrefix)
)

var (
	// 缓冲区池，复用读缓冲区
	bufferPool = sync.Pool{
		New: func() any {
			buf := make([]byte, bufferSize)
			return &buf
		},
	}

	finishToken = []byte(sseFinish)
)

// sseImage data 数组中的单张图片
type sseImage struct {
	URL     string `json:"url"`
	B64JSON string `json:"b64_json"`
	Size    string `json:"size"`
}

// sseUsage 用量字段
type sseUsage struct {
	GeneratedImages int `json:"generated_images"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
}

// sseError 错误字段，兼容对象和纯字符串两种形式
type sseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *sseError) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var msg string
		if err := sonic.Unmarshal(data, &msg); err != nil {
			return err
		}
		e.Message = msg
		return nil
	}
	type plain sseError
	return sonic.Unmarshal(data, (*plain)(e))
}

// SSEData 用于解析上游 SSE json。未知字段忽略
type SSEData struct {
	Type    string     `json:"type"`
	URL     string     `json:"url"`
	B64JSON string     `json:"b64_json"`
	Size    string     `json:"size"`
	Data    []sseImage `json:"data"`
	Usage   *sseUsage  `json:"usage"`
	Model   string     `json:"model"`
	Created int64      `json:"created"`
	Error   *sseError  `json:"error"`
}

// Events 把一帧拆成封闭的事件集合。顺序：图片、用量、元数据、错误
func (d *SSEData) Events() []types.StreamEvent {
	events := make([]types.StreamEvent, 0, 2)

	if d.URL != "" || d.B64JSON != "" {
		events = append(events, types.ImageFragment{URL: d.URL, InlineData: d.B64JSON, Size: d.Size})
	}
	for _, img := range d.Data {
		if img.URL == "" && img.B64JSON == "" {
			continue
		}
		events = append(events, types.ImageFragment{URL: img.URL, InlineData: img.B64JSON, Size: img.Size})
	}
	if d.Usage != nil {
		events = append(events, types.UsageFragment{
			GeneratedImages: d.Usage.GeneratedImages,
			OutputTokens:    d.Usage.OutputTokens,
			TotalTokens:     d.Usage.TotalTokens,
		})
	}
	if d.Model != "" || d.Created != 0 {
		events = append(events, types.MetadataFragment{Model: d.Model, CreatedAt: d.Created})
	}
	if d.Error != nil && (d.Error.Code != "" || d.Error.Message != "") {
		events = append(events, types.ErrorFragment{Code: d.Error.Code, Message: d.Error.Message})
	}
	return events
}

// ParseFrame 解析一个 data 负载。[DONE] 返回 Sentinel
func ParseFrame(payload []byte) ([]types.StreamEvent, error) {
	payload = bytes.TrimSpace(payload)
	if bytes.Equal(payload, finishToken) {
		return []types.StreamEvent{types.Sentinel{}}, nil
	}
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("frame is not a JSON object")
	}

	var data SSEData
	if err := sonic.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return data.Events(), nil
}

// framePayload 识别 "data: " 行并返回去除空白后的负载
func framePayload(line []byte) ([]byte, bool) {
	if len(line) < dataPrefixLen || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[dataPrefixLen:])
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}
