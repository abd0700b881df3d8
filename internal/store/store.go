package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/types"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store 任务持久化
type Store interface {
	CreateTask(ctx context.Context, task *types.Task, images []types.TaskImage) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasksByUser(ctx context.Context, userID string) ([]*types.Task, error)
	UpdateTask(ctx context.Context, id string, update types.TaskUpdate) error
	DeleteTask(ctx context.Context, id string) error
	AddImages(ctx context.Context, taskID string, images []types.TaskImage) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLiteStore 基于 gorm + sqlite 的实现
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLiteStore 打开数据库并执行迁移
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewStorageError("创建数据库目录失败", err)
		}
	}

	// WAL 模式下读写可以并发
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000&_foreign_keys=1", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, errors.NewStorageError("打开数据库失败", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&TableTask{}, &TableTaskImage{}); err != nil {
		return nil, errors.NewStorageError("数据库迁移失败", err)
	}

	logger.Info("任务数据库已就绪", zap.String("path", path))
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// CreateTask 在一个事务中写入任务和参考图
func (s *SQLiteStore) CreateTask(ctx context.Context, task *types.Task, images []types.TaskImage) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskPending
	}

	row := &TableTask{
		ID:           task.ID,
		UserID:       task.UserID,
		Title:        task.Title,
		Prompt:       task.Prompt,
		Status:       string(task.Status),
		Progress:     task.Progress,
		Result:       task.Result,
		ErrorMessage: task.Error,
		Config:       task.Config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Images").Create(row).Error; err != nil {
			return err
		}
		return insertImages(tx, task.ID, images, 0, now)
	})
	if err != nil {
		return errors.NewStorageError("创建任务失败", err)
	}

	task.Images = lo.Map(images, func(img types.TaskImage, _ int) string { return img.FileURL })
	return nil
}

// GetTask 读取任务及按顺序排列的参考图
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var row TableTask
	err := s.db.WithContext(ctx).
		Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewTaskNotFoundError(id)
		}
		return nil, errors.NewStorageError("获取任务失败", err)
	}
	return row.toTask(), nil
}

// ListTasksByUser 按创建时间倒序返回用户的任务，不加载参考图
func (s *SQLiteStore) ListTasksByUser(ctx context.Context, userID string) ([]*types.Task, error) {
	var rows []TableTask
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.NewStorageError("获取任务列表失败", err)
	}
	return lo.Map(rows, func(row TableTask, _ int) *types.Task { return row.toTask() }), nil
}

// UpdateTask 部分更新任务。只写入 update 中非 nil 的字段，json 列经 serializer 编码
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, update types.TaskUpdate) error {
	row := TableTask{UpdatedAt: s.now()}
	columns := []string{"updated_at"}

	if update.Title != nil {
		row.Title = *update.Title
		columns = append(columns, "title")
	}
	if update.Prompt != nil {
		row.Prompt = *update.Prompt
		columns = append(columns, "prompt")
	}
	if update.Status != nil {
		row.Status = string(*update.Status)
		columns = append(columns, "status")
	}
	if update.Progress != nil {
		row.Progress = *update.Progress
		columns = append(columns, "progress")
	}
	if update.Error != nil {
		row.ErrorMessage = *update.Error
		columns = append(columns, "error_message")
	}
	if update.Config != nil {
		row.Config = *update.Config
		columns = append(columns, "config")
	}
	if update.Result != nil || update.ClearResult {
		row.Result = update.Result
		columns = append(columns, "result")
	}

	tx := s.db.WithContext(ctx).Model(&TableTask{}).Where("id = ?", id).Select(columns).Updates(&row)
	if tx.Error != nil {
		return errors.NewStorageError("更新任务失败", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return errors.NewTaskNotFoundError(id)
	}
	return nil
}

// DeleteTask 先删除参考图再删除任务
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&TableTaskImage{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&TableTask{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return errors.NewStorageError("删除任务失败", err)
	}
	if deleted == 0 {
		return errors.NewTaskNotFoundError(id)
	}
	return nil
}

// AddImages 在已有参考图之后追加
func (s *SQLiteStore) AddImages(ctx context.Context, taskID string, images []types.TaskImage) error {
	if len(images) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&TableTask{}).Where("id = ?", taskID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return errors.NewTaskNotFoundError(taskID)
		}

		var next int64
		if err := tx.Model(&TableTaskImage{}).Where("task_id = ?", taskID).Count(&next).Error; err != nil {
			return err
		}
		return insertImages(tx, taskID, images, int(next), s.now())
	})
	if err == nil {
		return nil
	}
	if errors.IsCode(err, errors.ErrTaskNotFound) {
		return err
	}
	return errors.NewStorageError("保存任务图片失败", err)
}

// Ping 检查数据库是否可用
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func insertImages(tx *gorm.DB, taskID string, images []types.TaskImage, offset int, now time.Time) error {
	if len(images) == 0 {
		return nil
	}
	rows := make([]TableTaskImage, 0, len(images))
	for i := range images {
		img := images[i]
		if img.ID == "" {
			img.ID = uuid.NewString()
		}
		img.TaskID = taskID
		img.OrderIndex = offset + i
		img.CreatedAt = now
		rows = append(rows, fromTaskImage(&img))
	}
	return tx.Create(&rows).Error
}

// gormLogger 把 gorm 日志转到 zap
type gormLogger struct{}

func newGormLogger() gormlogger.Interface {
	return &gormLogger{}
}

func (l *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	logger.Info(fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	logger.Warn(fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	logger.Error(fmt.Sprintf(msg, data...))
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil || stderrors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	sql, rows := fc()
	logger.Warn("数据库语句执行失败",
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(begin)),
		zap.Error(err),
	)
}
