package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// 全局日志实例
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	mu     sync.RWMutex
)

// 初始化日志
func init() {
	logger = newLogger("json")
}

// newLogger 创建一个新的日志实例
func newLogger(format string) *zap.Logger {
	// 创建基础的encoder配置
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "console") {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// Init 按配置重建日志实例
func Init(lvl, format string) {
	SetLevel(lvl)
	l := newLogger(format)

	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()

	_ = old.Sync()
}

// Replace 替换全局日志实例，测试中用于捕获日志
func Replace(l *zap.Logger) func() {
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = old
		mu.Unlock()
	}
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Info 记录INFO级别的日志
func Info(msg string, fields ...zap.Field) {
	get().Info(msg, fields...)
}

// Debug 记录DEBUG级别的日志
func Debug(msg string, fields ...zap.Field) {
	get().Debug(msg, fields...)
}

// Warn 记录WARN级别的日志
func Warn(msg string, fields ...zap.Field) {
	get().Warn(msg, fields...)
}

// Error 记录ERROR级别的日志
func Error(msg string, fields ...zap.Field) {
	get().Error(msg, fields...)
}

// Fatal 记录FATAL级别的日志，然后退出程序
func Fatal(msg string, fields ...zap.Field) {
	get().Fatal(msg, fields...)
}

// With 返回带有指定字段的Logger
func With(fields ...zap.Field) *zap.Logger {
	return get().With(fields...)
}

// Sync 刷新缓冲的日志
func Sync() error {
	return get().Sync()
}

// SetLevel 设置日志级别
func SetLevel(lvl string) {
	var zapLevel zapcore.Level
	switch lvl {
	case "debug":
		zapLevel = zap.DebugLevel
	case "info":
		zapLevel = zap.InfoLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}
	level.SetLevel(zapLevel)
}

// Level 返回当前日志级别
func Level() zapcore.Level {
	return level.Level()
}
