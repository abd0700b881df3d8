package apiserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/gateway"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/middleware"
	"seedream-proxy/internal/service"
	"seedream-proxy/internal/types"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Pinger 健康检查依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 路由依赖
type Deps struct {
	Gateway     *gateway.Gateway
	Tasks       service.TaskService
	Uploads     service.UploadService
	Models      service.ModelService
	Database    Pinger
	Metrics     *metrics.Metrics
	RateLimiter *middleware.RateLimiter // 为 nil 时不限流
}

// RegisterRoutes 注册 Echo 路由
func RegisterRoutes(e *echo.Echo, cfg *config.Config, deps *Deps) {
	// 设置自定义错误处理器
	e.HTTPErrorHandler = middleware.ErrorHandler()
	e.Use(middleware.RequestLogger(cfg))

	// 代理网关，非 POST 方法由网关返回 405
	e.Any("/api/proxy", deps.Gateway.Handle)
	e.Any("/api/generate", deps.Gateway.Handle)

	e.GET("/health", healthHandler(deps.Database))
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(deps.Metrics.Handler()))
	}

	v1 := e.Group("/v1", middleware.BearerAuth(cfg))
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	v1.Use(middleware.Identity())

	v1.GET("/models", listModelsHandler(deps.Models))

	v1.POST("/tasks", createTaskHandler(deps.Tasks))
	v1.GET("/tasks", listTasksHandler(deps.Tasks))
	v1.GET("/tasks/:id", getTaskHandler(deps.Tasks))
	v1.PATCH("/tasks/:id", updateTaskHandler(deps.Tasks))
	v1.DELETE("/tasks/:id", deleteTaskHandler(deps.Tasks))
	v1.POST("/tasks/:id/submit", submitTaskHandler(deps.Tasks))
	v1.POST("/tasks/:id/retry", retryTaskHandler(deps.Tasks))

	v1.POST("/uploads", uploadHandler(deps.Uploads), echomw.BodyLimit(strconv.FormatInt(cfg.Server.MaxBodyBytes, 10)))
}

func healthHandler(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				logger.Warn("数据库健康检查失败", zap.Error(err))
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"database": "unavailable",
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func listModelsHandler(models service.ModelService) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, types.ModelList(models.GetSupportedModels()))
	}
}

func createTaskHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req types.CreateTaskRequest
		if err := c.Bind(&req); err != nil {
			return errors.NewBadRequestError("无效的请求数据", err)
		}
		task, err := tasks.CreateTask(c.Request().Context(), middleware.UserID(c), &req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func listTasksHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tasks.ListTasks(c.Request().Context(), middleware.UserID(c))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"data": list})
	}
}

func getTaskHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := tasks.GetTask(c.Request().Context(), middleware.UserID(c), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}
}

func updateTaskHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req types.UpdateTaskRequest
		if err := c.Bind(&req); err != nil {
			return errors.NewBadRequestError("无效的请求数据", err)
		}
		task, err := tasks.UpdateTask(c.Request().Context(), middleware.UserID(c), c.Param("id"), &req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTaskHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.DeleteTask(c.Request().Context(), middleware.UserID(c), c.Param("id")); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func submitTaskHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if stream, _ := strconv.ParseBool(c.QueryParam("stream")); stream {
			return streamSubmit(c, tasks)
		}
		task, err := tasks.SubmitTask(c.Request().Context(), middleware.UserID(c), c.Param("id"), middleware.Credential(c))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}
}

// streamSubmit 以 SSE 推送进度。第一次进度到达前出错时仍返回普通 JSON 错误
func streamSubmit(c echo.Context, tasks service.TaskService) error {
	resp := c.Response()
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set("Cache-Control", "no-cache")
		resp.Header().Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)
	}

	task, err := tasks.SubmitTaskWithStream(c.Request().Context(), middleware.UserID(c), c.Param("id"), middleware.Credential(c),
		func(progress int) {
			start()
			if err := writeEvent(resp, "progress", map[string]int{"progress": progress}); err != nil {
				logger.Warn("推送进度失败", zap.Error(err))
			}
		})
	if err != nil {
		if !started {
			return err
		}
		appErr, ok := errors.As(err)
		if !ok {
			appErr = errors.NewInternalError(err)
		}
		_, body := appErr.HTTPResponse()
		return writeEvent(resp, "error", body)
	}

	start()
	return writeEvent(resp, "done", task)
}

func writeEvent(w *echo.Response, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func retryTaskHandler(tasks service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := tasks.RetryTask(c.Request().Context(), middleware.UserID(c), c.Param("id"), middleware.Credential(c))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}
}

func uploadHandler(uploads service.UploadService) echo.HandlerFunc {
	return func(c echo.Context) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return errors.NewBadRequestError("缺少上传文件", err)
		}
		f, err := fh.Open()
		if err != nil {
			return errors.NewBadRequestError("读取上传文件失败", err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return errors.NewBadRequestError("读取上传文件失败", err)
		}

		res, err := uploads.Upload(c.Request().Context(), middleware.UserID(c), &service.UploadInput{
			TaskID:      c.FormValue("task_id"),
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Data:        data,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, res)
	}
}
