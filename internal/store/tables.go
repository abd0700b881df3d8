package store

import (
	"time"

	"seedream-proxy/internal/types"
)

// TableTask tasks 表
type TableTask struct {
	ID           string                    `gorm:"primaryKey;type:varchar(36)"`
	UserID       string                    `gorm:"type:varchar(255);index;not null"`
	Title        string                    `gorm:"type:varchar(255);not null"`
	Prompt       string                    `gorm:"type:text"`
	Status       string                    `gorm:"type:varchar(20);index;not null;default:pending"`
	Progress     int                       `gorm:"not null;default:0"`
	Result       *types.GenerationResponse `gorm:"type:text;serializer:json"`
	ErrorMessage string                    `gorm:"type:text"`
	Config       types.TaskConfig          `gorm:"type:text;serializer:json"`
	CreatedAt    time.Time                 `gorm:"index"`
	UpdatedAt    time.Time

	Images []TableTaskImage `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

// TableName sets the table name
func (TableTask) TableName() string {
	return "tasks"
}

// TableTaskImage task_images 表，按 order_index 排序
type TableTaskImage struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	TaskID      string `gorm:"type:varchar(36);index:idx_task_image_order,priority:1;not null"`
	FileURL     string `gorm:"type:text;not null"`
	FileName    string `gorm:"type:varchar(255)"`
	FileSize    int64
	MimeType    string `gorm:"type:varchar(100)"`
	StoragePath string `gorm:"type:text"`
	ContentHash string `gorm:"type:varchar(32)"`
	OrderIndex  int    `gorm:"index:idx_task_image_order,priority:2;not null;default:0"`
	CreatedAt   time.Time
}

// TableName sets the table name
func (TableTaskImage) TableName() string {
	return "task_images"
}

func (t *TableTask) toTask() *types.Task {
	task := &types.Task{
		ID:        t.ID,
		UserID:    t.UserID,
		Title:     t.Title,
		Prompt:    t.Prompt,
		Images:    make([]string, 0, len(t.Images)),
		Status:    types.TaskStatus(t.Status),
		Progress:  t.Progress,
		Result:    t.Result,
		Error:     t.ErrorMessage,
		Config:    t.Config,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	for _, img := range t.Images {
		task.Images = append(task.Images, img.FileURL)
	}
	return task
}

func fromTaskImage(img *types.TaskImage) TableTaskImage {
	return TableTaskImage{
		ID:          img.ID,
		TaskID:      img.TaskID,
		FileURL:     img.FileURL,
		FileName:    img.FileName,
		FileSize:    img.FileSize,
		MimeType:    img.MimeType,
		StoragePath: img.StoragePath,
		ContentHash: img.ContentHash,
		OrderIndex:  img.OrderIndex,
		CreatedAt:   img.CreatedAt,
	}
}
