package service

import (
	"seedream-proxy/internal/config"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ModelService 模型服务接口
type ModelService interface {
	// GetSupportedModels 获取支持的模型列表，配置的默认模型排在第一位
	GetSupportedModels() []string
}

type modelService struct {
	defaultModel string
}

// NewModelService 创建模型服务实例
func NewModelService(cfg *config.Config) ModelService {
	return &modelService{defaultModel: cfg.Upstream.DefaultModel}
}

func (s *modelService) GetSupportedModels() []string {
	models := types.GetSupportedModels()
	if s.defaultModel != "" {
		models = lo.Uniq(append([]string{s.defaultModel}, models...))
	}

	logger.Debug("获取支持的模型列表",
		zap.Int("model_count", len(models)),
	)
	return models
}
