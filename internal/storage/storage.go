package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	appconfig "seedream-proxy/internal/config"
	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultExt    = "jpg"
	randSuffixLen = 9
)

// ObjectAPI 用到的 S3 操作
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// UploadResult 上传结果
type UploadResult struct {
	ID          string `json:"id"`
	FileURL     string `json:"file_url"`
	StoragePath string `json:"storage_path"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	MimeType    string `json:"mime_type"`
	ContentHash string `json:"content_hash"`
}

// ImageStore 参考图对象存储
type ImageStore struct {
	api           ObjectAPI
	bucket        string
	region        string
	endpoint      string
	publicBaseURL string
	usePathStyle  bool
	cacheControl  string
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewS3Client 按配置创建 S3 客户端。未提供静态密钥时使用默认凭证链
func NewS3Client(ctx context.Context, cfg *appconfig.Config) (*s3.Client, error) {
	oc := cfg.ObjectStore
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(oc.Region)}
	if oc.AccessKey != "" && oc.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(oc.AccessKey, oc.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for S3: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if oc.Endpoint != "" {
			o.BaseEndpoint = aws.String(oc.Endpoint)
		}
		o.UsePathStyle = oc.UsePathStyle
	}), nil
}

// NewImageStore 创建图片存储
func NewImageStore(api ObjectAPI, cfg *appconfig.Config, m *metrics.Metrics) *ImageStore {
	oc := cfg.ObjectStore
	return &ImageStore{
		api:           api,
		bucket:        oc.Bucket,
		region:        oc.Region,
		endpoint:      strings.TrimRight(oc.Endpoint, "/"),
		publicBaseURL: strings.TrimRight(oc.PublicBaseURL, "/"),
		usePathStyle:  oc.UsePathStyle,
		cacheControl:  oc.CacheControl,
		metrics:       m,
		now:           time.Now,
	}
}

// Upload 上传一张图片，key 为 <user>/<毫秒时间戳>-<随机串>.<扩展名>
func (s *ImageStore) Upload(ctx context.Context, userID, fileName, contentType string, data []byte) (*UploadResult, error) {
	contentType, err := checkImage(contentType, data)
	if err != nil {
		s.metrics.Upload("rejected")
		return nil, err
	}

	key := s.objectKey(userID, fileName)
	hash := fmt.Sprintf("%016x", xxhash.Sum64(data))

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"content-hash": hash},
	}
	if s.cacheControl != "" {
		input.CacheControl = aws.String(s.cacheControl)
	}

	if _, err := s.api.PutObject(ctx, input); err != nil {
		s.metrics.Upload("failed")
		logger.Error("上传文件失败",
			zap.String("bucket", s.bucket),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, errors.NewFileUploadError(err)
	}
	s.metrics.Upload("success")

	logger.Info("上传文件成功",
		zap.String("key", key),
		zap.Int("size", len(data)),
		zap.String("content_hash", hash),
	)
	return &UploadResult{
		ID:          uuid.NewString(),
		FileURL:     s.PublicURL(key),
		StoragePath: key,
		FileName:    fileName,
		FileSize:    int64(len(data)),
		MimeType:    contentType,
		ContentHash: hash,
	}, nil
}

// Delete 删除对象
func (s *ImageStore) Delete(ctx context.Context, path string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return errors.NewStorageError("删除存储文件失败", err)
	}
	return nil
}

// PublicURL 返回对象的公开访问地址
func (s *ImageStore) PublicURL(path string) string {
	switch {
	case s.publicBaseURL != "":
		return s.publicBaseURL + "/" + path
	case s.endpoint != "" && s.usePathStyle:
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, path)
	case s.endpoint != "":
		scheme, host, ok := strings.Cut(s.endpoint, "://")
		if !ok {
			return fmt.Sprintf("https://%s.%s/%s", s.bucket, s.endpoint, path)
		}
		return fmt.Sprintf("%s://%s.%s/%s", scheme, s.bucket, host, path)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, path)
	}
}

func (s *ImageStore) objectKey(userID, fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		ext = defaultExt
	}
	owner := strings.ReplaceAll(strings.TrimSpace(userID), "/", "_")
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("%s/%d-%s.%s", owner, s.now().UnixMilli(), utils.RandStringUsingMathRand(randSuffixLen), ext)
}

// checkImage 校验上传内容是图片，未声明类型时按内容识别
func checkImage(contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.NewInvalidInputError("上传文件为空", nil)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", errors.NewInvalidInputError(fmt.Sprintf("不支持的文件类型: %s", contentType), nil)
	}
	return contentType, nil
}

// DataURL 把图片编码为 data URL，可直接作为参考图传给生成接口
func DataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// InlineStore 未配置对象存储时使用，图片以 data URL 形式直接保存在任务里
type InlineStore struct{}

// Upload 返回 data URL 形式的结果
func (InlineStore) Upload(_ context.Context, _ string, fileName, contentType string, data []byte) (*UploadResult, error) {
	contentType, err := checkImage(contentType, data)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		ID:          uuid.NewString(),
		FileURL:     DataURL(contentType, data),
		FileName:    fileName,
		FileSize:    int64(len(data)),
		MimeType:    contentType,
		ContentHash: fmt.Sprintf("%016x", xxhash.Sum64(data)),
	}, nil
}

// Delete 无需删除
func (InlineStore) Delete(context.Context, string) error {
	return nil
}
