package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 定义错误码
type ErrorCode int

const (
	// 系统错误码 (1000-1999)
	ErrInternal ErrorCode = 1000 + iota
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrTimeout
	ErrRequestFailed
	ErrMethodNotAllowed
	ErrCanceled
	ErrTooManyRequests
)

const (
	// 上游错误码 (2000-2999)
	ErrMissingCredential ErrorCode = 2000 + iota
	ErrUpstreamUnreachable
	ErrUpstreamEmpty
	ErrUpstreamError
	ErrMalformedFrame
	ErrIncompleteStream
)

const (
	// 业务错误码 (3000-3999)
	ErrInvalidInput ErrorCode = 3000 + iota
	ErrImageGeneration
	ErrFileUpload
	ErrTaskNotFound
	ErrTaskState
	ErrStorage
)

var codeNames = map[ErrorCode]string{
	ErrInternal:            "internal_error",
	ErrBadRequest:          "bad_request",
	ErrUnauthorized:        "unauthorized",
	ErrForbidden:           "forbidden",
	ErrNotFound:            "not_found",
	ErrTimeout:             "timeout",
	ErrRequestFailed:       "request_failed",
	ErrMethodNotAllowed:    "method_not_allowed",
	ErrCanceled:            "canceled",
	ErrTooManyRequests:     "rate_limit_exceeded",
	ErrMissingCredential:   "missing_credential",
	ErrUpstreamUnreachable: "upstream_unreachable",
	ErrUpstreamEmpty:       "upstream_empty",
	ErrUpstreamError:       "upstream_error",
	ErrMalformedFrame:      "malformed_frame",
	ErrIncompleteStream:    "incomplete_stream",
	ErrInvalidInput:        "invalid_input",
	ErrImageGeneration:     "image_generation_failed",
	ErrFileUpload:          "file_upload_failed",
	ErrTaskNotFound:        "task_not_found",
	ErrTaskState:           "invalid_task_state",
	ErrStorage:             "storage_error",
}

// String 返回错误码的文本名称
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error_%d", int(c))
}

// AppError 应用错误
type AppError struct {
	Code         ErrorCode // 错误码
	Message      string    // 错误消息
	Err          error     // 原始错误
	Status       int       // HTTP状态码
	UpstreamCode string    // 上游返回的错误码，仅 ErrUpstreamError 使用
}

// Error 实现error接口
func (e *AppError) Error() string {
	code := e.Code.String()
	if e.UpstreamCode != "" {
		code = code + "/" + e.UpstreamCode
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", code, e.Message)
}

// Unwrap 实现errors.Unwrap接口
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPResponse 生成HTTP响应
func (e *AppError) HTTPResponse() (int, map[string]any) {
	code := e.Code.String()
	if e.UpstreamCode != "" {
		code = e.UpstreamCode
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": e.Message,
		},
	}
}

// IsCode 判断错误链中是否存在指定错误码的 AppError
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// As 从错误链中取出 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// NewInternalError 创建内部错误
func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "服务器内部错误",
		Err:     err,
		Status:  http.StatusInternalServerError,
	}
}

// NewBadRequestError 创建请求错误
func NewBadRequestError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
		Status:  http.StatusBadRequest,
	}
}

// NewUnauthorizedError 创建未授权错误
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// NewMethodNotAllowedError 创建方法不允许错误
func NewMethodNotAllowedError(method string) *AppError {
	return &AppError{
		Code:    ErrMethodNotAllowed,
		Message: "Method Not Allowed",
		Err:     fmt.Errorf("method %s", method),
		Status:  http.StatusMethodNotAllowed,
	}
}

// NewMissingCredentialError 创建缺少凭证错误
func NewMissingCredentialError(message string) *AppError {
	return &AppError{
		Code:    ErrMissingCredential,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// NewUpstreamUnreachableError 创建上游不可达错误
func NewUpstreamUnreachableError(err error) *AppError {
	return &AppError{
		Code:    ErrUpstreamUnreachable,
		Message: "Failed to proxy request to upstream API.",
		Err:     err,
		Status:  http.StatusBadGateway,
	}
}

// NewUpstreamEmptyError 创建上游空响应错误
func NewUpstreamEmptyError() *AppError {
	return &AppError{
		Code:    ErrUpstreamEmpty,
		Message: "Empty response from upstream API",
		Status:  http.StatusBadGateway,
	}
}

// NewUpstreamError 创建上游明确返回的错误
func NewUpstreamError(code, message string, status int) *AppError {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return &AppError{
		Code:         ErrUpstreamError,
		Message:      message,
		Status:       status,
		UpstreamCode: code,
	}
}

// NewMalformedFrameError 创建单帧解析错误（不会向调用方传播）
func NewMalformedFrameError(err error) *AppError {
	return &AppError{
		Code:    ErrMalformedFrame,
		Message: "解析流数据帧失败",
		Err:     err,
		Status:  http.StatusBadGateway,
	}
}

// NewIncompleteStreamError 创建流不完整错误
func NewIncompleteStreamError() *AppError {
	return &AppError{
		Code:    ErrIncompleteStream,
		Message: "no valid result or usage information received",
		Status:  http.StatusBadGateway,
	}
}

// NewCanceledError 创建调用方取消错误
func NewCanceledError(err error) *AppError {
	return &AppError{
		Code:    ErrCanceled,
		Message: "请求已取消",
		Err:     err,
		Status:  499,
	}
}

// NewTooManyRequestsError 创建限流错误
func NewTooManyRequestsError() *AppError {
	return &AppError{
		Code:    ErrTooManyRequests,
		Message: "请求过于频繁，请稍后再试",
		Status:  http.StatusTooManyRequests,
	}
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrInvalidInput,
		Message: message,
		Err:     err,
		Status:  http.StatusBadRequest,
	}
}

// NewImageGenerationError 创建图片生成错误
func NewImageGenerationError(err error) *AppError {
	return &AppError{
		Code:    ErrImageGeneration,
		Message: "图片生成失败",
		Err:     err,
		Status:  http.StatusInternalServerError,
	}
}

// NewRequestFailedError 创建请求失败错误
func NewRequestFailedError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrRequestFailed,
		Message: fmt.Sprintf("请求失败: %s", message),
		Err:     err,
		Status:  http.StatusBadGateway,
	}
}

// NewFileUploadError 创建文件上传错误
func NewFileUploadError(err error) *AppError {
	return &AppError{
		Code:    ErrFileUpload,
		Message: "文件上传失败",
		Err:     err,
		Status:  http.StatusInternalServerError,
	}
}

// NewTaskNotFoundError 创建任务不存在错误
func NewTaskNotFoundError(id string) *AppError {
	return &AppError{
		Code:    ErrTaskNotFound,
		Message: fmt.Sprintf("任务不存在: %s", id),
		Status:  http.StatusNotFound,
	}
}

// NewTaskStateError 创建任务状态错误
func NewTaskStateError(message string) *AppError {
	return &AppError{
		Code:    ErrTaskState,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// NewStorageError 创建存储错误
func NewStorageError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrStorage,
		Message: message,
		Err:     err,
		Status:  http.StatusInternalServerError,
	}
}
