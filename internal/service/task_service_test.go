package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/seedream"
	"seedream-proxy/internal/store"
	"seedream-proxy/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	calls     []generationMode
	prompt    string
	images    []string
	maxImages int
	opts      *types.GenerationRequest
	streamReq *types.GenerationRequest
	progress  []int
	result    *types.GenerationResponse
	err       error
}

func (g *fakeGenerator) TextToImage(_ context.Context, prompt string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	g.calls = append(g.calls, modeTextToImage)
	g.prompt, g.opts = prompt, opts
	return g.result, g.err
}

func (g *fakeGenerator) ImageToImage(_ context.Context, prompt, image string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	g.calls = append(g.calls, modeImageToImage)
	g.prompt, g.images, g.opts = prompt, []string{image}, opts
	return g.result, g.err
}

func (g *fakeGenerator) FuseImages(_ context.Context, prompt string, images []string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	g.calls = append(g.calls, modeFusion)
	g.prompt, g.images, g.opts = prompt, images, opts
	return g.result, g.err
}

func (g *fakeGenerator) GenerateImageSet(_ context.Context, prompt string, maxImages int, refs []string, opts *types.GenerationRequest) (*types.GenerationResponse, error) {
	g.calls = append(g.calls, modeImageSet)
	g.prompt, g.maxImages, g.images, g.opts = prompt, maxImages, refs, opts
	return g.result, g.err
}

func (g *fakeGenerator) GenerateWithStream(_ context.Context, req *types.GenerationRequest, progress seedream.ProgressFunc) (*types.GenerationResponse, error) {
	g.streamReq = req
	for _, p := range g.progress {
		progress(p, nil)
	}
	return g.result, g.err
}

type testEnv struct {
	svc         TaskService
	store       *store.SQLiteStore
	gen         *fakeGenerator
	credentials []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store: st,
		gen: &fakeGenerator{result: &types.GenerationResponse{
			Model:   config.DefaultModel,
			Created: 1757000000,
			Data:    []types.ImageData{{URL: "https://cdn.example.com/out-1.png", Size: "2048x2048"}},
			Usage:   types.Usage{GeneratedImages: 1, OutputTokens: 16384, TotalTokens: 16384},
		}},
	}
	factory := func(credential string) Generator {
		env.credentials = append(env.credentials, credential)
		return env.gen
	}
	env.svc = NewTaskService(config.Default(), st, factory, nil)
	return env
}

func (env *testEnv) create(t *testing.T, req *types.CreateTaskRequest) *types.Task {
	t.Helper()
	task, err := env.svc.CreateTask(context.Background(), "u-1", req)
	require.NoError(t, err)
	return task
}

func TestTaskService_CreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)

	prompt := strings.Repeat("星", 40)
	task := env.create(t, &types.CreateTaskRequest{
		Prompt: "  " + prompt + " ",
		Images: []string{"https://x/a.png", "https://x/b.png"},
	})

	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, prompt, task.Prompt)
	assert.Equal(t, strings.Repeat("星", 30)+"...", task.Title)
	assert.Equal(t, config.DefaultModel, task.Config.Model)
	assert.Equal(t, "2K", task.Config.Size)
	assert.Equal(t, types.SequentialDisabled, task.Config.SequentialImageGeneration)
	assert.Equal(t, types.ResponseFormatURL, task.Config.ResponseFormat)
	require.NotNil(t, task.Config.Watermark)
	assert.True(t, *task.Config.Watermark)

	got, err := env.svc.GetTask(context.Background(), "u-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/a.png", "https://x/b.png"}, got.Images)
}

func TestTaskService_CreateTaskRejects(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  *types.CreateTaskRequest
	}{
		{"empty prompt", &types.CreateTaskRequest{Prompt: "   "}},
		{"too many images", &types.CreateTaskRequest{Prompt: "p", Images: make([]string, 11)}},
		{"bad sequential mode", &types.CreateTaskRequest{Prompt: "p", Config: types.TaskConfig{SequentialImageGeneration: "sometimes"}}},
		{"bad response format", &types.CreateTaskRequest{Prompt: "p", Config: types.TaskConfig{ResponseFormat: "jpeg"}}},
		{"too many outputs", &types.CreateTaskRequest{Prompt: "p", Config: types.TaskConfig{MaxImages: 16}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateTask(context.Background(), "u-1", tc.req)
			assert.True(t, errors.IsCode(err, errors.ErrInvalidInput), "got %v", err)
		})
	}

	tasks, err := env.svc.ListTasks(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskService_SubmitSelectsMode(t *testing.T) {
	cases := []struct {
		name      string
		images    []string
		mode      types.SequentialMode
		maxImages int
		want      generationMode
		wantMax   int
	}{
		{"text only", nil, types.SequentialDisabled, 0, modeTextToImage, 0},
		{"single image", []string{"https://x/1.png"}, types.SequentialDisabled, 0, modeImageToImage, 0},
		{"several images", []string{"https://x/1.png", "https://x/2.png", "https://x/3.png"}, types.SequentialDisabled, 0, modeFusion, 0},
		{"image set default count", nil, types.SequentialAuto, 0, modeImageSet, 4},
		{"image set with refs", []string{"https://x/1.png", "https://x/2.png"}, types.SequentialAuto, 6, modeImageSet, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			task := env.create(t, &types.CreateTaskRequest{
				Prompt: "a red fox",
				Images: tc.images,
				Config: types.TaskConfig{SequentialImageGeneration: tc.mode, MaxImages: tc.maxImages},
			})

			done, err := env.svc.SubmitTask(context.Background(), "u-1", task.ID, "sk-caller")
			require.NoError(t, err)

			assert.Equal(t, []generationMode{tc.want}, env.gen.calls)
			assert.Equal(t, []string{"sk-caller"}, env.credentials)
			assert.Equal(t, "a red fox", env.gen.prompt)
			assert.Equal(t, tc.wantMax, env.gen.maxImages)
			if len(tc.images) > 0 {
				assert.Equal(t, tc.images, env.gen.images)
			}
			assert.Empty(t, env.gen.opts.SequentialImageGeneration)
			assert.Equal(t, "2K", env.gen.opts.Size)

			assert.Equal(t, types.TaskCompleted, done.Status)
			assert.Equal(t, 100, done.Progress)
			assert.Equal(t, env.gen.result, done.Result)
			assert.Empty(t, done.Error)
		})
	}
}

func TestTaskService_SubmitFailureMarksTask(t *testing.T) {
	env := newTestEnv(t)
	env.gen.err = errors.NewUpstreamError("InputTextSensitiveContentDetected", "The request failed because the input text may contain sensitive information.", 400)

	task := env.create(t, &types.CreateTaskRequest{Prompt: "p"})
	done, err := env.svc.SubmitTask(context.Background(), "u-1", task.ID, "")
	require.NoError(t, err)

	assert.Equal(t, types.TaskFailed, done.Status)
	assert.Equal(t, "The request failed because the input text may contain sensitive information.", done.Error)
	assert.Equal(t, 10, done.Progress)
	assert.Nil(t, done.Result)
}

func TestTaskService_SubmitRejectsProcessing(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, &types.CreateTaskRequest{Prompt: "p"})

	processing := types.TaskProcessing
	require.NoError(t, env.store.UpdateTask(context.Background(), task.ID, types.TaskUpdate{Status: &processing}))

	_, err := env.svc.SubmitTask(context.Background(), "u-1", task.ID, "")
	assert.True(t, errors.IsCode(err, errors.ErrTaskState))

	title := "new"
	_, err = env.svc.UpdateTask(context.Background(), "u-1", task.ID, &types.UpdateTaskRequest{Title: &title})
	assert.True(t, errors.IsCode(err, errors.ErrTaskState))
	assert.Empty(t, env.gen.calls)
}

func TestTaskService_SubmitWithStream(t *testing.T) {
	env := newTestEnv(t)
	env.gen.progress = []int{40, 60}

	task := env.create(t, &types.CreateTaskRequest{
		Prompt: "merge",
		Images: []string{"https://x/1.png", "https://x/2.png"},
	})

	var seen []int
	done, err := env.svc.SubmitTaskWithStream(context.Background(), "u-1", task.ID, "", func(p int) {
		seen = append(seen, p)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{10, 40, 60, 100}, seen)
	assert.Equal(t, types.TaskCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)

	require.NotNil(t, env.gen.streamReq)
	assert.Equal(t, types.ImageInput{"https://x/1.png", "https://x/2.png"}, env.gen.streamReq.Image)
	assert.Equal(t, types.SequentialDisabled, env.gen.streamReq.SequentialImageGeneration)
	assert.Equal(t, "merge", env.gen.streamReq.Prompt)
}

func TestTaskService_SubmitWithStreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gen.progress = []int{40}
	env.gen.result = nil
	env.gen.err = errors.NewIncompleteStreamError()

	task := env.create(t, &types.CreateTaskRequest{Prompt: "p"})

	var seen []int
	done, err := env.svc.SubmitTaskWithStream(context.Background(), "u-1", task.ID, "", func(p int) {
		seen = append(seen, p)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{10, 40}, seen)
	assert.Equal(t, types.TaskFailed, done.Status)
	// 失败时保留已写入的进度
	assert.Equal(t, 40, done.Progress)
	assert.NotEmpty(t, done.Error)
}

func TestTaskService_Retry(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, &types.CreateTaskRequest{Prompt: "p"})

	_, err := env.svc.RetryTask(context.Background(), "u-1", task.ID, "")
	assert.True(t, errors.IsCode(err, errors.ErrTaskState))

	env.gen.err = errors.NewUpstreamUnreachableError(assert.AnError)
	failed, err := env.svc.SubmitTask(context.Background(), "u-1", task.ID, "")
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, failed.Status)

	env.gen.err = nil
	done, err := env.svc.RetryTask(context.Background(), "u-1", task.ID, "sk-retry")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
	assert.Empty(t, done.Error)
	assert.Equal(t, []generationMode{modeTextToImage, modeTextToImage}, env.gen.calls)
	assert.Equal(t, "sk-retry", env.credentials[len(env.credentials)-1])
}

func TestTaskService_Ownership(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, &types.CreateTaskRequest{Prompt: "p"})
	ctx := context.Background()

	_, err := env.svc.GetTask(ctx, "u-2", task.ID)
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))
	_, err = env.svc.SubmitTask(ctx, "u-2", task.ID, "")
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))
	assert.True(t, errors.IsCode(env.svc.DeleteTask(ctx, "u-2", task.ID), errors.ErrTaskNotFound))

	require.NoError(t, env.svc.DeleteTask(ctx, "u-1", task.ID))
	_, err = env.svc.GetTask(ctx, "u-1", task.ID)
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))
}

func TestTaskService_UpdateTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, &types.CreateTaskRequest{Title: "old", Prompt: "p"})
	ctx := context.Background()

	title := "new title"
	updated, err := env.svc.UpdateTask(ctx, "u-1", task.ID, &types.UpdateTaskRequest{
		Title:  &title,
		Config: &types.TaskConfig{SequentialImageGeneration: types.SequentialAuto, MaxImages: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "new title", updated.Title)
	assert.Equal(t, "p", updated.Prompt)
	assert.Equal(t, types.SequentialAuto, updated.Config.SequentialImageGeneration)
	assert.Equal(t, 3, updated.Config.MaxImages)
	assert.Equal(t, config.DefaultModel, updated.Config.Model)

	empty := " "
	_, err = env.svc.UpdateTask(ctx, "u-1", task.ID, &types.UpdateTaskRequest{Prompt: &empty})
	assert.True(t, errors.IsCode(err, errors.ErrInvalidInput))
}

func TestSelectModeAndDefaults(t *testing.T) {
	assert.Equal(t, 4, maxImages(types.TaskConfig{}))
	assert.Equal(t, 7, maxImages(types.TaskConfig{MaxImages: 7}))
	assert.Equal(t, "未知错误", failureMessage(nil))
	assert.Equal(t, "短标题", defaultTitle("短标题"))

	req, err := buildRequest(&types.Task{
		Prompt: "set",
		Config: types.TaskConfig{SequentialImageGeneration: types.SequentialAuto, Size: "4K"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.SequentialAuto, req.SequentialImageGeneration)
	assert.Equal(t, 4, req.MaxImages())
	assert.Equal(t, "4K", req.Size)
}
