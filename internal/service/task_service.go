package service

import (
	"context"
	"fmt"
	"strings"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/seedream"
	"seedream-proxy/internal/store"
	"seedream-proxy/internal/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	submitProgress   = 10
	completeProgress = 100
	titleMaxRunes    = 30
)

// TaskService 生成任务服务接口
type TaskService interface {
	CreateTask(ctx context.Context, userID string, req *types.CreateTaskRequest) (*types.Task, error)
	GetTask(ctx context.Context, userID, id string) (*types.Task, error)
	// ListTasks 按创建时间倒序返回，不含参考图
	ListTasks(ctx context.Context, userID string) ([]*types.Task, error)
	UpdateTask(ctx context.Context, userID, id string, req *types.UpdateTaskRequest) (*types.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
	// SubmitTask 同步生成。生成失败时任务标记为 failed 并正常返回任务
	SubmitTask(ctx context.Context, userID, id, credential string) (*types.Task, error)
	// SubmitTaskWithStream 流式生成，每次进度变化回调 onProgress
	SubmitTaskWithStream(ctx context.Context, userID, id, credential string, onProgress func(progress int)) (*types.Task, error)
	// RetryTask 只允许重试失败的任务
	RetryTask(ctx context.Context, userID, id, credential string) (*types.Task, error)
}

type taskService struct {
	store      store.Store
	generators GeneratorFactory
	metrics    *metrics.Metrics
	defaults   types.TaskConfig
}

// NewTaskService 创建任务服务实例
func NewTaskService(cfg *config.Config, st store.Store, generators GeneratorFactory, m *metrics.Metrics) TaskService {
	size := cfg.Client.DefaultSize
	if size == "" {
		size = "2K"
	}
	watermark := cfg.Client.Watermark
	return &taskService{
		store:      st,
		generators: generators,
		metrics:    m,
		defaults: types.TaskConfig{
			Model:                     cfg.Upstream.DefaultModel,
			Size:                      size,
			SequentialImageGeneration: types.SequentialDisabled,
			ResponseFormat:            types.ResponseFormatURL,
			Watermark:                 &watermark,
		},
	}
}

// normalizeConfig 填充默认值并校验取值范围
func (s *taskService) normalizeConfig(c types.TaskConfig) (types.TaskConfig, error) {
	if c.Model == "" {
		c.Model = s.defaults.Model
	}
	if c.Size == "" {
		c.Size = s.defaults.Size
	}
	if c.SequentialImageGeneration == "" {
		c.SequentialImageGeneration = s.defaults.SequentialImageGeneration
	}
	if c.ResponseFormat == "" {
		c.ResponseFormat = s.defaults.ResponseFormat
	}
	if c.Watermark == nil {
		w := *s.defaults.Watermark
		c.Watermark = &w
	}

	switch c.SequentialImageGeneration {
	case types.SequentialDisabled, types.SequentialAuto:
	default:
		return c, errors.NewInvalidInputError(fmt.Sprintf("不支持的组图模式: %s", c.SequentialImageGeneration), nil)
	}
	switch c.ResponseFormat {
	case types.ResponseFormatURL, types.ResponseFormatB64JSON:
	default:
		return c, errors.NewInvalidInputError(fmt.Sprintf("不支持的返回格式: %s", c.ResponseFormat), nil)
	}
	if c.MaxImages != 0 && (c.MaxImages < types.MinSequentialImages || c.MaxImages > types.MaxSequentialImages) {
		return c, errors.NewInvalidInputError(
			fmt.Sprintf("图片数量必须在%d-%d之间", types.MinSequentialImages, types.MaxSequentialImages), nil)
	}
	return c, nil
}

func (s *taskService) CreateTask(ctx context.Context, userID string, req *types.CreateTaskRequest) (*types.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.NewInvalidInputError("提示词不能为空", nil)
	}
	if len(req.Images) > types.MaxFusionImages {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("最多支持%d张参考图片", types.MaxFusionImages), nil)
	}
	cfg, err := s.normalizeConfig(req.Config)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle(prompt)
	}

	task := &types.Task{
		UserID: userID,
		Title:  title,
		Prompt: prompt,
		Status: types.TaskPending,
		Config: cfg,
	}
	images := lo.Map(req.Images, func(url string, i int) types.TaskImage {
		return types.TaskImage{
			FileURL:  url,
			FileName: fmt.Sprintf("image_%d.jpg", i),
			MimeType: "image/jpeg",
		}
	})
	if err := s.store.CreateTask(ctx, task, images); err != nil {
		return nil, err
	}
	s.metrics.TaskTransition(string(types.TaskPending))

	logger.Info("创建任务",
		zap.String("task_id", task.ID),
		zap.String("user_id", userID),
		zap.Int("images", len(images)),
		zap.String("sequential", string(cfg.SequentialImageGeneration)),
	)
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, userID, id string) (*types.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	// 其他用户的任务按不存在处理
	if task.UserID != userID {
		return nil, errors.NewTaskNotFoundError(id)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, userID string) ([]*types.Task, error) {
	return s.store.ListTasksByUser(ctx, userID)
}

func (s *taskService) UpdateTask(ctx context.Context, userID, id string, req *types.UpdateTaskRequest) (*types.Task, error) {
	task, err := s.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskProcessing {
		return nil, errors.NewTaskStateError("任务正在处理中，无法修改")
	}

	var update types.TaskUpdate
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		update.Title = &title
	}
	if req.Prompt != nil {
		prompt := strings.TrimSpace(*req.Prompt)
		if prompt == "" {
			return nil, errors.NewInvalidInputError("提示词不能为空", nil)
		}
		update.Prompt = &prompt
	}
	if req.Config != nil {
		cfg, err := s.normalizeConfig(*req.Config)
		if err != nil {
			return nil, err
		}
		update.Config = &cfg
	}

	if err := s.store.UpdateTask(ctx, id, update); err != nil {
		return nil, err
	}
	return s.store.GetTask(ctx, id)
}

func (s *taskService) DeleteTask(ctx context.Context, userID, id string) error {
	if _, err := s.GetTask(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	logger.Info("删除任务", zap.String("task_id", id), zap.String("user_id", userID))
	return nil
}

// begin 校验任务并标记为处理中
func (s *taskService) begin(ctx context.Context, userID, id string) (*types.Task, error) {
	task, err := s.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskProcessing {
		return nil, errors.NewTaskStateError("任务正在处理中")
	}
	if err := s.setStatus(ctx, id, types.TaskProcessing, submitProgress); err != nil {
		return nil, err
	}
	task.Status = types.TaskProcessing
	task.Progress = submitProgress
	return task, nil
}

func (s *taskService) setStatus(ctx context.Context, id string, status types.TaskStatus, progress int) error {
	if err := s.store.UpdateTask(ctx, id, types.TaskUpdate{Status: &status, Progress: &progress}); err != nil {
		return err
	}
	s.metrics.TaskTransition(string(status))
	return nil
}

// finish 写入最终状态。调用方取消时仍然落库
func (s *taskService) finish(ctx context.Context, id string, result *types.GenerationResponse, genErr error) (*types.Task, error) {
	ctx = context.WithoutCancel(ctx)
	if genErr == nil && result == nil {
		genErr = errors.NewIncompleteStreamError()
	}

	if genErr != nil {
		status := types.TaskFailed
		message := failureMessage(genErr)
		logger.Error("任务执行失败", zap.String("task_id", id), zap.Error(genErr))
		if err := s.store.UpdateTask(ctx, id, types.TaskUpdate{Status: &status, Error: &message}); err != nil {
			return nil, err
		}
		s.metrics.TaskTransition(string(status))
		return s.store.GetTask(ctx, id)
	}

	status := types.TaskCompleted
	progress := completeProgress
	empty := ""
	err := s.store.UpdateTask(ctx, id, types.TaskUpdate{
		Status:   &status,
		Progress: &progress,
		Result:   result,
		Error:    &empty,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.TaskTransition(string(status))

	logger.Info("任务完成",
		zap.String("task_id", id),
		zap.Int("generated_images", len(result.Data)),
	)
	return s.store.GetTask(ctx, id)
}

func (s *taskService) SubmitTask(ctx context.Context, userID, id, credential string) (*types.Task, error) {
	task, err := s.begin(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	result, genErr := s.generate(ctx, s.generators(credential), task)
	return s.finish(ctx, id, result, genErr)
}

// generate 按任务选择生成模式
func (s *taskService) generate(ctx context.Context, gen Generator, task *types.Task) (*types.GenerationResponse, error) {
	opts := requestOptions(task.Config)
	mode := selectMode(task)
	logger.Info("提交任务",
		zap.String("task_id", task.ID),
		zap.String("mode", string(mode)),
		zap.Int("images", len(task.Images)),
	)

	switch mode {
	case modeTextToImage:
		return gen.TextToImage(ctx, task.Prompt, opts)
	case modeImageToImage:
		return gen.ImageToImage(ctx, task.Prompt, task.Images[0], opts)
	case modeImageSet:
		return gen.GenerateImageSet(ctx, task.Prompt, maxImages(task.Config), task.Images, opts)
	default:
		return gen.FuseImages(ctx, task.Prompt, task.Images, opts)
	}
}

func (s *taskService) SubmitTaskWithStream(ctx context.Context, userID, id, credential string, onProgress func(progress int)) (*types.Task, error) {
	if onProgress == nil {
		onProgress = func(int) {}
	}

	task, err := s.begin(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	onProgress(submitProgress)

	req, err := buildRequest(task)
	if err != nil {
		return s.finish(ctx, id, nil, err)
	}

	result, genErr := s.generators(credential).GenerateWithStream(ctx, &req, func(progress int, _ []byte) {
		// 进度写入失败不影响生成
		if err := s.store.UpdateTask(ctx, id, types.TaskUpdate{Progress: &progress}); err != nil {
			logger.Warn("更新任务进度失败", zap.String("task_id", id), zap.Error(err))
		}
		onProgress(progress)
	})

	final, err := s.finish(ctx, id, result, genErr)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		onProgress(completeProgress)
	}
	return final, nil
}

func (s *taskService) RetryTask(ctx context.Context, userID, id, credential string) (*types.Task, error) {
	task, err := s.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskFailed {
		return nil, errors.NewTaskStateError("只能重试失败的任务")
	}

	status := types.TaskPending
	progress := 0
	empty := ""
	err = s.store.UpdateTask(ctx, id, types.TaskUpdate{
		Status:      &status,
		Progress:    &progress,
		Error:       &empty,
		ClearResult: true,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.TaskTransition(string(status))

	logger.Info("重试任务", zap.String("task_id", id))
	return s.SubmitTask(ctx, userID, id, credential)
}

type generationMode string

const (
	modeTextToImage  generationMode = "text_to_image"
	modeImageToImage generationMode = "image_to_image"
	modeImageSet     generationMode = "image_set"
	modeFusion       generationMode = "fusion"
)

// selectMode 组图模式优先，其次按参考图数量决定
func selectMode(task *types.Task) generationMode {
	switch {
	case task.Config.SequentialImageGeneration == types.SequentialAuto:
		return modeImageSet
	case len(task.Images) == 0:
		return modeTextToImage
	case len(task.Images) == 1:
		return modeImageToImage
	default:
		return modeFusion
	}
}

// buildRequest 构造与 generate 相同模式的请求，用于流式提交
func buildRequest(task *types.Task) (types.GenerationRequest, error) {
	opts := requestOptions(task.Config)
	switch selectMode(task) {
	case modeTextToImage:
		return seedream.TextToImageRequest(task.Prompt, opts), nil
	case modeImageToImage:
		return seedream.ImageToImageRequest(task.Prompt, task.Images[0], opts), nil
	case modeImageSet:
		return seedream.ImageSetRequest(task.Prompt, maxImages(task.Config), task.Images, opts)
	default:
		return seedream.FuseImagesRequest(task.Prompt, task.Images, opts)
	}
}

// requestOptions 任务配置转为请求参数。组图模式由生成模式决定
func requestOptions(c types.TaskConfig) *types.GenerationRequest {
	return &types.GenerationRequest{
		Model:          c.Model,
		Size:           c.Size,
		Seed:           c.Seed,
		GuidanceScale:  c.GuidanceScale,
		ResponseFormat: c.ResponseFormat,
		Watermark:      c.Watermark,
	}
}

func maxImages(c types.TaskConfig) int {
	if c.MaxImages <= 0 {
		return seedream.DefaultMaxImages
	}
	return c.MaxImages
}

func failureMessage(err error) string {
	if appErr, ok := errors.As(err); ok && appErr.Message != "" {
		return appErr.Message
	}
	if err == nil {
		return "未知错误"
	}
	return err.Error()
}

func defaultTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= titleMaxRunes {
		return prompt
	}
	return string(runes[:titleMaxRunes]) + "..."
}
