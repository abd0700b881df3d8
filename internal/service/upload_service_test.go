package service

import (
	"context"
	"testing"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/storage"
	"seedream-proxy/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type recordingStore struct {
	storage.InlineStore
	uploads int
	deleted []string
}

func (r *recordingStore) Upload(ctx context.Context, userID, fileName, contentType string, data []byte) (*storage.UploadResult, error) {
	r.uploads++
	res, err := r.InlineStore.Upload(ctx, userID, fileName, contentType, data)
	if err != nil {
		return nil, err
	}
	res.StoragePath = userID + "/" + fileName
	return res, nil
}

func (r *recordingStore) Delete(_ context.Context, path string) error {
	r.deleted = append(r.deleted, path)
	return nil
}

func TestUploadService_AttachToTask(t *testing.T) {
	env := newTestEnv(t)
	objects := &recordingStore{}
	svc := NewUploadService(objects, env.store, env.svc)
	ctx := context.Background()

	task := env.create(t, &types.CreateTaskRequest{Prompt: "p", Images: []string{"https://x/first.png"}})

	res, err := svc.Upload(ctx, "u-1", &UploadInput{
		TaskID:   task.ID,
		FileName: "ref.png",
		Data:     pngBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, "u-1/ref.png", res.StoragePath)

	got, err := env.svc.GetTask(ctx, "u-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/first.png", res.FileURL}, got.Images)
	assert.Empty(t, objects.deleted)
}

func TestUploadService_Standalone(t *testing.T) {
	env := newTestEnv(t)
	svc := NewUploadService(storage.InlineStore{}, env.store, env.svc)

	res, err := svc.Upload(context.Background(), "u-1", &UploadInput{FileName: "a.png", ContentType: "image/png", Data: pngBytes})
	require.NoError(t, err)
	assert.Equal(t, storage.DataURL("image/png", pngBytes), res.FileURL)
}

func TestUploadService_UnknownTask(t *testing.T) {
	env := newTestEnv(t)
	objects := &recordingStore{}
	svc := NewUploadService(objects, env.store, env.svc)

	task := env.create(t, &types.CreateTaskRequest{Prompt: "p"})

	_, err := svc.Upload(context.Background(), "u-1", &UploadInput{TaskID: "missing", FileName: "a.png", Data: pngBytes})
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))

	// 其他用户的任务
	_, err = svc.Upload(context.Background(), "u-2", &UploadInput{TaskID: task.ID, FileName: "a.png", Data: pngBytes})
	assert.True(t, errors.IsCode(err, errors.ErrTaskNotFound))

	assert.Zero(t, objects.uploads)
}
