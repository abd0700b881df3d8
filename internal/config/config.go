package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// 凭证解析模式
const (
	CredentialModeServer = "server" // 仅使用服务端配置的 API Key
	CredentialModeClient = "client" // 仅使用调用方 Authorization 头
	CredentialModeAuto   = "auto"   // 优先服务端，其次调用方
)

const (
	DefaultUpstreamURL = "https://ark.cn-beijing.volces.com/api/v3/images/generations"
	DefaultModel       = "doubao-seedream-4-0-250828"
)

// Config 应用配置结构
type Config struct {
	// 服务器配置
	Server ServerConfig `yaml:"server" json:"server"`

	// 上游生成 API 配置
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// 流式客户端配置
	Client ClientConfig `yaml:"client" json:"client"`

	// 安全配置
	Security SecurityConfig `yaml:"security" json:"security"`

	// HTTP 客户端配置
	HTTPClient HTTPClientConfig `yaml:"http_client" json:"http_client"`

	// 日志配置
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// 任务存储配置
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// 对象存储配置
	ObjectStore ObjectStoreConfig `yaml:"object_store" json:"object_store"`

	// 指标配置
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// UpstreamConfig 上游生成 API 配置
type UpstreamConfig struct {
	URL            string `yaml:"url" json:"url"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	CredentialMode string `yaml:"credential_mode" json:"credential_mode"`
	DefaultModel   string `yaml:"default_model" json:"default_model"`
}

// ClientConfig 流式客户端（任务服务）配置
type ClientConfig struct {
	GatewayURL  string `yaml:"gateway_url" json:"gateway_url"`
	DefaultSize string `yaml:"default_size" json:"default_size"`
	Watermark   bool   `yaml:"watermark" json:"watermark"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	BearerToken      string        `yaml:"bearer_token" json:"bearer_token"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify" json:"tls_skip_verify"`
	RateLimitEnabled bool          `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int           `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// HTTPClientConfig HTTP 客户端配置
type HTTPClientConfig struct {
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host" json:"max_conns_per_host"`
	RetryCount          int           `yaml:"retry_count" json:"retry_count"`
	RetryWaitTime       time.Duration `yaml:"retry_wait_time" json:"retry_wait_time"`
	RetryMaxWaitTime    time.Duration `yaml:"retry_max_wait_time" json:"retry_max_wait_time"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level            string `yaml:"level" json:"level"`
	Format           string `yaml:"format" json:"format"`
	Output           string `yaml:"output" json:"output"`
	EnableRequestLog bool   `yaml:"enable_request_log" json:"enable_request_log"`
	MaskSensitive    bool   `yaml:"mask_sensitive" json:"mask_sensitive"`
}

// StorageConfig 任务存储配置
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// ObjectStoreConfig 上传图片的对象存储配置
type ObjectStoreConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Bucket        string `yaml:"bucket" json:"bucket"`
	Region        string `yaml:"region" json:"region"`
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	PublicBaseURL string `yaml:"public_base_url" json:"public_base_url"`
	AccessKey     string `yaml:"access_key" json:"access_key"`
	SecretKey     string `yaml:"secret_key" json:"secret_key"`
	UsePathStyle  bool   `yaml:"use_path_style" json:"use_path_style"`
	CacheControl  string `yaml:"cache_control" json:"cache_control"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Load 加载配置，优先级：环境变量 > 配置文件 > 默认值
func Load() (*Config, error) {
	// 1. 设置默认配置
	config := Default()

	// 2. 尝试加载 .env 文件
	_ = godotenv.Load()

	// 3. 尝试加载配置文件
	if err := loadConfigFile(config); err != nil {
		// 配置文件加载失败不是致命错误，继续使用环境变量和默认值
		fmt.Printf("Warning: Failed to load config file: %v\n", err)
	}

	// 4. 环境变量覆盖
	overrideWithEnv(config)

	// 5. 验证配置
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// Default 获取默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // 流式响应不设置写超时
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Upstream: UpstreamConfig{
			URL:            DefaultUpstreamURL,
			CredentialMode: CredentialModeServer,
			DefaultModel:   DefaultModel,
		},
		Client: ClientConfig{
			GatewayURL:  "http://127.0.0.1:8080/api/proxy",
			DefaultSize: "2K",
			Watermark:   true,
		},
		Security: SecurityConfig{
			TLSSkipVerify:    false,
			RateLimitEnabled: false, // 默认禁用，需要明确配置
			RateLimitRPS:     0,     // 默认0，禁用限流
			RequestTimeout:   60 * time.Second,
		},
		HTTPClient: HTTPClientConfig{
			Timeout:             5 * time.Minute,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     50,
			RetryCount:          2,
			RetryWaitTime:       1 * time.Second,
			RetryMaxWaitTime:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "json",
			Output:           "stdout",
			EnableRequestLog: true,
			MaskSensitive:    true,
		},
		Storage: StorageConfig{
			DatabasePath: "seedream.db",
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:       "project-images",
			Region:       "us-east-1",
			CacheControl: "max-age=3600",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// loadConfigFile 加载配置文件
func loadConfigFile(config *Config) error {
	// 环境变量指定的配置文件优先
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath, config)
	}

	configPaths := []string{
		"config.yaml",
		"config.yml",
		"config.json",
		"./configs/config.yaml",
		"./configs/config.yml",
		"./configs/config.json",
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return loadFromFile(path, config)
		}
	}

	return fmt.Errorf("no config file found")
}

// loadFromFile 从文件加载配置
func loadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// overrideWithEnv 用环境变量覆盖配置
func overrideWithEnv(config *Config) {
	// 服务器配置
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	// 兼容常见的 PORT 环境变量
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if timeout := os.Getenv("SERVER_READ_TIMEOUT"); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			config.Server.ReadTimeout = t
		}
	}

	// 上游配置
	if url := os.Getenv("UPSTREAM_URL"); url != "" {
		config.Upstream.URL = url
	}
	// ARK_API_KEY 优先，兼容旧的 DOUBAO_API_KEY / VITE_DOUBAO_API_KEY
	for _, name := range []string{"VITE_DOUBAO_API_KEY", "DOUBAO_API_KEY", "ARK_API_KEY"} {
		if key := os.Getenv(name); key != "" {
			config.Upstream.APIKey = key
		}
	}
	if mode := os.Getenv("CREDENTIAL_MODE"); mode != "" {
		config.Upstream.CredentialMode = strings.ToLower(mode)
	}
	if model := os.Getenv("DEFAULT_MODEL"); model != "" {
		config.Upstream.DefaultModel = model
	}
	if gateway := os.Getenv("GATEWAY_URL"); gateway != "" {
		config.Client.GatewayURL = gateway
	}

	// 安全配置
	if token := os.Getenv("BEARER_TOKEN"); token != "" {
		config.Security.BearerToken = token
	}
	if skipVerify := os.Getenv("TLS_SKIP_VERIFY"); skipVerify != "" {
		if skip, err := strconv.ParseBool(skipVerify); err == nil {
			config.Security.TLSSkipVerify = skip
		}
	}
	if rateLimitEnabled := os.Getenv("RATE_LIMIT_ENABLED"); rateLimitEnabled != "" {
		if enabled, err := strconv.ParseBool(rateLimitEnabled); err == nil {
			config.Security.RateLimitEnabled = enabled
		}
	}
	if rateLimitRPS := os.Getenv("RATE_LIMIT_RPS"); rateLimitRPS != "" {
		if rps, err := strconv.Atoi(rateLimitRPS); err == nil {
			config.Security.RateLimitRPS = rps
		}
	}

	// 存储配置
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Storage.DatabasePath = path
	}
	if enabled := os.Getenv("S3_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			config.ObjectStore.Enabled = v
		}
	}
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		config.ObjectStore.Bucket = bucket
	}
	if region := os.Getenv("S3_REGION"); region != "" {
		config.ObjectStore.Region = region
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		config.ObjectStore.Endpoint = endpoint
	}
	if base := os.Getenv("S3_PUBLIC_BASE_URL"); base != "" {
		config.ObjectStore.PublicBaseURL = base
	}
	if ak := os.Getenv("S3_ACCESS_KEY"); ak != "" {
		config.ObjectStore.AccessKey = ak
	}
	if sk := os.Getenv("S3_SECRET_KEY"); sk != "" {
		config.ObjectStore.SecretKey = sk
	}

	// 日志配置
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if enabled := os.Getenv("METRICS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			config.Metrics.Enabled = v
		}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errors []string

	// 验证端口范围
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}

	// 验证超时配置
	if c.Server.ReadTimeout < 0 {
		errors = append(errors, "SERVER_READ_TIMEOUT must be positive")
	}
	if c.HTTPClient.Timeout < 0 {
		errors = append(errors, "HTTP_CLIENT_TIMEOUT must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errors = append(errors, "server.max_body_bytes must be positive")
	}

	// 验证上游配置
	if c.Upstream.URL == "" {
		errors = append(errors, "UPSTREAM_URL is required")
	}
	validModes := []string{CredentialModeServer, CredentialModeClient, CredentialModeAuto}
	if !lo.Contains(validModes, c.Upstream.CredentialMode) {
		errors = append(errors, fmt.Sprintf("CREDENTIAL_MODE must be one of: %s", strings.Join(validModes, ", ")))
	}
	if c.Upstream.CredentialMode == CredentialModeServer && c.Upstream.APIKey == "" {
		errors = append(errors, "ARK_API_KEY is required when CREDENTIAL_MODE=server")
	}
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = DefaultModel
	}

	// 验证限流配置
	if c.Security.RateLimitRPS <= 0 {
		// 如果RPS<=0，自动禁用限流
		c.Security.RateLimitEnabled = false
	}
	if c.Security.RateLimitRPS > 10000 {
		errors = append(errors, "RATE_LIMIT_RPS should not exceed 10000 for performance reasons")
	}

	// 验证日志级别
	validLevels := []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}
	if !lo.Contains(validLevels, c.Logging.Level) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLevels, ", ")))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errors = append(errors, "metrics.path must start with /")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

// GetAddress 获取服务器监听地址
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ObjectStoreEnabled 是否启用对象存储。未启用时上传的图片以 data URL 保存
func (c *Config) ObjectStoreEnabled() bool {
	return c.ObjectStore.Enabled && c.ObjectStore.Bucket != "" && (c.ObjectStore.Endpoint != "" || c.ObjectStore.Region != "")
}
