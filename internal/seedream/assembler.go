package seedream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/types"
	"seedream-proxy/internal/utils"

	"go.uber.org/zap"
)

const (
	progressBase    = 20
	progressPerItem = 20
	progressCeiling = 90
)

// ProgressFunc 进度回调。progress 单调不减且小于100，raw 为该帧原始负载的拷贝
type ProgressFunc func(progress int, raw []byte)

// accumulator 一次流式调用的累积状态
type accumulator struct {
	images    []types.ImageFragment // 追加，按到达顺序，重复也保留
	usage     *types.UsageFragment  // 后到覆盖
	model     string
	createdAt int64
	err       *types.ErrorFragment // 后到覆盖，不中断消费
}

// fold 折叠单个事件，返回新增图片数
func (acc *accumulator) fold(ev types.StreamEvent) int {
	switch e := ev.(type) {
	case types.ImageFragment:
		acc.images = append(acc.images, e)
		return 1
	case types.UsageFragment:
		u := e
		acc.usage = &u
	case types.MetadataFragment:
		if e.Model != "" {
			acc.model = e.Model
		}
		if e.CreatedAt != 0 {
			acc.createdAt = e.CreatedAt
		}
	case types.ErrorFragment:
		fe := e
		acc.err = &fe
	case types.Sentinel:
	}
	return 0
}

// Assembler 把 SSE 字节流组装为一个完整结果。一个实例只服务一条流，不可并发使用
type Assembler struct {
	defaultModel string
	now          func() time.Time
	progress     ProgressFunc
	metrics      *metrics.Metrics

	buf          []byte
	acc          *accumulator
	lastProgress int
	closed       bool
	discarded    bool

	frames    int
	malformed int

	finalized bool
	result    *types.GenerationResponse
	resultErr error
}

// AssemblerOption 组装器选项
type AssemblerOption func(*Assembler)

// WithProgress 设置进度回调
func WithProgress(fn ProgressFunc) AssemblerOption {
	return func(a *Assembler) { a.progress = fn }
}

// WithClock 设置时间来源
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) AssemblerOption {
	return func(a *Assembler) { a.metrics = m }
}

// NewAssembler 创建组装器
func NewAssembler(defaultModel string, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		defaultModel: defaultModel,
		now:          time.Now,
		acc:          &accumulator{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Write 追加原始字节，处理所有完整的行，末尾不完整的行保留到下次
func (a *Assembler) Write(p []byte) (int, error) {
	if a.closed {
		return 0, fmt.Errorf("assembler: write after close")
	}
	a.buf = append(a.buf, p...)

	for {
		idx := bytes.IndexByte(a.buf, '\n')
		if idx < 0 {
			break
		}
		a.processLine(a.buf[:idx])
		a.buf = a.buf[idx+1:]
	}
	// 把剩余的半行移到缓冲区开头
	a.buf = append(a.buf[:0:0], a.buf...)
	return len(p), nil
}

// Close 标记流已关闭。传输关闭时残留的最后一行视为完整行
func (a *Assembler) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if len(a.buf) > 0 && !a.discarded {
		a.processLine(a.buf)
	}
	a.buf = nil
	return nil
}

// processLine 处理一行
func (a *Assembler) processLine(line []byte) {
	payload, ok := framePayload(line)
	if !ok {
		return
	}
	if bytes.Equal(payload, finishToken) {
		// 结束标记不更新状态，也不提前结束读取
		logger.Debug("收到流结束标志 [DONE]")
		a.metrics.StreamEvent(types.Sentinel{}.Kind())
		return
	}

	events, err := ParseFrame(payload)
	if err != nil {
		a.malformed++
		a.metrics.MalformedFrame()
		logger.Warn("解析流JSON数据失败",
			zap.String("payload", utils.Truncate(string(payload), 256)),
			zap.Error(errors.NewMalformedFrameError(err)),
		)
		return
	}
	a.frames++

	added := 0
	for _, ev := range events {
		added += a.acc.fold(ev)
		a.metrics.StreamEvent(ev.Kind())
	}
	if added > 0 {
		a.notify(payload)
	}
}

// notify 计算进度并回调
func (a *Assembler) notify(payload []byte) {
	progress := min(progressCeiling, progressBase+progressPerItem*len(a.acc.images))
	if progress < a.lastProgress {
		progress = a.lastProgress
	}
	a.lastProgress = progress
	if a.progress == nil {
		return
	}
	raw := make([]byte, len(payload))
	copy(raw, payload)
	a.progress(progress, raw)
}

// Progress 返回最近一次上报的进度
func (a *Assembler) Progress() int {
	return a.lastProgress
}

// Stats 返回已处理帧数和被跳过的坏帧数
func (a *Assembler) Stats() (frames, malformed int) {
	return a.frames, a.malformed
}

// Result 关闭流并生成最终结果
func (a *Assembler) Result() (*types.GenerationResponse, error) {
	if a.finalized {
		return a.result, a.resultErr
	}
	if a.discarded {
		return nil, errors.NewCanceledError(context.Canceled)
	}
	_ = a.Close()

	a.result, a.resultErr = a.finalize()
	a.finalized = true
	a.acc = nil

	if a.resultErr != nil {
		a.metrics.StreamResult(resultOutcome(a.resultErr))
	} else {
		a.metrics.StreamResult("success")
	}
	return a.result, a.resultErr
}

func (a *Assembler) finalize() (*types.GenerationResponse, error) {
	acc := a.acc
	if len(acc.images) > 0 && acc.usage != nil {
		model := acc.model
		if model == "" {
			model = a.defaultModel
		}
		created := acc.createdAt
		if created == 0 {
			created = a.now().Unix()
		}
		data := make([]types.ImageData, 0, len(acc.images))
		for _, img := range acc.images {
			data = append(data, img.ImageData())
		}
		logger.Info("成功组装最终结果",
			zap.Int("images", len(data)),
			zap.String("model", model),
			zap.Int("frames", a.frames),
			zap.Int("malformed", a.malformed),
		)
		return &types.GenerationResponse{
			Model:   model,
			Created: created,
			Data:    data,
			Usage:   acc.usage.Usage(),
		}, nil
	}

	logger.Error("流处理完成，但未生成有效结果或用量信息缺失",
		zap.Int("images", len(acc.images)),
		zap.Bool("has_usage", acc.usage != nil),
		zap.Bool("has_error", acc.err != nil),
	)
	if acc.err != nil {
		return nil, errors.NewUpstreamError(acc.err.Code, acc.err.Message, 0)
	}
	return nil, errors.NewIncompleteStreamError()
}

// discard 丢弃累积状态，不返回部分结果
func (a *Assembler) discard() {
	a.discarded = true
	a.closed = true
	a.buf = nil
	a.acc = nil
}

// Consume 读取整条流直到关闭，然后返回最终结果。
// ctx 取消时关闭 r（若可关闭）并丢弃累积状态。
func (a *Assembler) Consume(ctx context.Context, r io.Reader) (*types.GenerationResponse, error) {
	closer, _ := r.(io.Closer)
	if closer != nil {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}
	cancel := func(err error) error {
		if closer != nil {
			_ = closer.Close()
		}
		a.discard()
		a.metrics.StreamResult("canceled")
		return errors.NewCanceledError(err)
	}

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			return nil, cancel(err)
		}

		n, err := r.Read(buf)
		if n > 0 {
			_, _ = a.Write(buf[:n])
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancel(ctxErr)
		}
		// 连接被重置：按已收到的数据进入收尾阶段
		logger.Warn("读取流数据中断", zap.Error(err))
		readErr = err
		break
	}

	result, err := a.Result()
	if err != nil && readErr != nil && errors.IsCode(err, errors.ErrIncompleteStream) {
		if appErr, ok := errors.As(err); ok && appErr.Err == nil {
			appErr.Err = readErr
		}
	}
	return result, err
}

func resultOutcome(err error) string {
	if appErr, ok := errors.As(err); ok {
		return appErr.Code.String()
	}
	return "error"
}
