package types

import "time"

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskConfig 任务的生成参数
type TaskConfig struct {
	Model                     string         `json:"model"`
	Size                      string         `json:"size"`
	SequentialImageGeneration SequentialMode `json:"sequential_image_generation"`
	MaxImages                 int            `json:"max_images,omitempty"`
	ResponseFormat            ResponseFormat `json:"response_format"`
	Watermark                 *bool          `json:"watermark,omitempty"`
	Seed                      *int64         `json:"seed,omitempty"`
	GuidanceScale             *float64       `json:"guidance_scale,omitempty"`
}

// Task 一次图片生成任务
type Task struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Title     string              `json:"title"`
	Prompt    string              `json:"prompt"`
	Images    []string            `json:"images"`
	Status    TaskStatus          `json:"status"`
	Progress  int                 `json:"progress"`
	Result    *GenerationResponse `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Config    TaskConfig          `json:"config"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// TaskImage 任务的参考图记录
type TaskImage struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	FileURL     string    `json:"file_url"`
	FileName    string    `json:"file_name,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	OrderIndex  int       `json:"order_index"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskUpdate 部分更新，nil 字段保持不变
type TaskUpdate struct {
	Title       *string
	Prompt      *string
	Status      *TaskStatus
	Progress    *int
	Result      *GenerationResponse
	ClearResult bool
	Error       *string
	Config      *TaskConfig
}

// CreateTaskRequest 创建任务请求
type CreateTaskRequest struct {
	Title  string     `json:"title"`
	Prompt string     `json:"prompt"`
	Images []string   `json:"images"`
	Config TaskConfig `json:"config"`
}

// UpdateTaskRequest 修改任务请求，未提供的字段保持不变
type UpdateTaskRequest struct {
	Title  *string     `json:"title,omitempty"`
	Prompt *string     `json:"prompt,omitempty"`
	Config *TaskConfig `json:"config,omitempty"`
}
