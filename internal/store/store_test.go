package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "data", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func images(urls ...string) []types.TaskImage {
	out := make([]types.TaskImage, 0, len(urls))
	for _, u := range urls {
		out = append(out, types.TaskImage{FileURL: u, MimeType: "image/png"})
	}
	return out
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	watermark := false
	task := &types.Task{
		UserID: "u-1",
		Title:  "fusion",
		Prompt: "merge these",
		Config: types.TaskConfig{
			Model:                     "doubao-seedream-4-0-250828",
			Size:                      "2K",
			SequentialImageGeneration: types.SequentialDisabled,
			ResponseFormat:            types.ResponseFormatURL,
			Watermark:                 &watermark,
		},
	}
	require.NoError(t, s.CreateTask(ctx, task, images("https://x/a.png", "https://x/b.png", "https://x/c.png")))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TaskPending, task.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/a.png", "https://x/b.png", "https://x/c.png"}, got.Images)
	assert.Equal(t, "merge these", got.Prompt)
	assert.Equal(t, task.Config, got.Config)
	assert.Nil(t, got.Result)
	assert.Equal(t, 0, got.Progress)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))
}

func TestSQLiteStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	for _, title := range []string{"first", "second", "third"} {
		require.NoError(t, s.CreateTask(ctx, &types.Task{UserID: "u-1", Title: title}, nil))
		now = now.Add(time.Minute)
	}
	require.NoError(t, s.CreateTask(ctx, &types.Task{UserID: "u-2", Title: "other"}, nil))

	tasks, err := s.ListTasksByUser(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "third", tasks[0].Title)
	assert.Equal(t, "first", tasks[2].Title)

	tasks, err = s.ListTasksByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSQLiteStore_UpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &types.Task{UserID: "u-1", Title: "t", Prompt: "p"}
	require.NoError(t, s.CreateTask(ctx, task, nil))

	status := types.TaskCompleted
	progress := 100
	result := &types.GenerationResponse{
		Model:   "m",
		Created: 1,
		Data:    []types.ImageData{{URL: "https://x/out.png", Size: "2048x2048"}},
		Usage:   types.Usage{GeneratedImages: 1, OutputTokens: 10, TotalTokens: 50},
	}
	require.NoError(t, s.UpdateTask(ctx, task.ID, types.TaskUpdate{Status: &status, Progress: &progress, Result: result}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, result, got.Result)
	assert.Equal(t, "p", got.Prompt)

	// 重置：清空结果和错误，进度归零
	pending := types.TaskPending
	zero := 0
	empty := ""
	require.NoError(t, s.UpdateTask(ctx, task.ID, types.TaskUpdate{Status: &pending, Progress: &zero, Error: &empty, ClearResult: true}))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.Result)

	err = s.UpdateTask(ctx, "missing", types.TaskUpdate{Progress: &progress})
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))
}

func TestSQLiteStore_AddImagesAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &types.Task{UserID: "u-1", Title: "t"}
	require.NoError(t, s.CreateTask(ctx, task, images("https://x/1.png")))
	require.NoError(t, s.AddImages(ctx, task.ID, images("https://x/2.png", "https://x/3.png")))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/1.png", "https://x/2.png", "https://x/3.png"}, got.Images)

	err = s.AddImages(ctx, "missing", images("https://x/4.png"))
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))
}

func TestSQLiteStore_DeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &types.Task{UserID: "u-1", Title: "t"}
	require.NoError(t, s.CreateTask(ctx, task, images("https://x/1.png")))
	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err := s.GetTask(ctx, task.ID)
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))

	var count int64
	require.NoError(t, s.db.Model(&TableTaskImage{}).Where("task_id = ?", task.ID).Count(&count).Error)
	assert.Zero(t, count)

	assert.True(t, errors.IsCode(s.DeleteTask(ctx, task.ID), errors.ErrTaskNotFound))
}
