package service

import (
	"context"

	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/storage"
	"seedream-proxy/internal/store"
	"seedream-proxy/internal/types"

	"go.uber.org/zap"
)

// ObjectStore 图片存储，由 storage.ImageStore 或 storage.InlineStore 实现
type ObjectStore interface {
	Upload(ctx context.Context, userID, fileName, contentType string, data []byte) (*storage.UploadResult, error)
	Delete(ctx context.Context, path string) error
}

// UploadInput 上传参数，TaskID 非空时图片追加为该任务的参考图
type UploadInput struct {
	TaskID      string
	FileName    string
	ContentType string
	Data        []byte
}

// UploadService 参考图上传服务接口
type UploadService interface {
	Upload(ctx context.Context, userID string, in *UploadInput) (*storage.UploadResult, error)
}

type uploadService struct {
	objects ObjectStore
	store   store.Store
	tasks   TaskService
}

// NewUploadService 创建上传服务实例
func NewUploadService(objects ObjectStore, st store.Store, tasks TaskService) UploadService {
	return &uploadService{objects: objects, store: st, tasks: tasks}
}

func (s *uploadService) Upload(ctx context.Context, userID string, in *UploadInput) (*storage.UploadResult, error) {
	if in.TaskID != "" {
		if _, err := s.tasks.GetTask(ctx, userID, in.TaskID); err != nil {
			return nil, err
		}
	}

	res, err := s.objects.Upload(ctx, userID, in.FileName, in.ContentType, in.Data)
	if err != nil {
		return nil, err
	}
	if in.TaskID == "" {
		return res, nil
	}

	err = s.store.AddImages(ctx, in.TaskID, []types.TaskImage{{
		ID:          res.ID,
		FileURL:     res.FileURL,
		FileName:    res.FileName,
		FileSize:    res.FileSize,
		MimeType:    res.MimeType,
		StoragePath: res.StoragePath,
		ContentHash: res.ContentHash,
	}})
	if err != nil {
		// 记录写入失败时清理已上传的对象，清理失败只记日志
		if delErr := s.objects.Delete(context.WithoutCancel(ctx), res.StoragePath); delErr != nil {
			logger.Warn("清理上传文件失败", zap.String("path", res.StoragePath), zap.Error(delErr))
		}
		return nil, err
	}

	logger.Info("参考图已关联任务",
		zap.String("task_id", in.TaskID),
		zap.String("image_id", res.ID),
	)
	return res, nil
}
