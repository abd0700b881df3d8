package utils

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
	letters    = []rune("abcdefghijklmnopqrstuvwxyz0123456789")

	// 字符串构建器池，用于生成随机字符串
	randStringBuilderPool = sync.Pool{
		New: func() any {
			return &strings.Builder{}
		},
	}
)

// RandStringUsingMathRand 生成指定长度的随机字符串（小写字母和数字）
func RandStringUsingMathRand(n int) string {
	if n <= 0 {
		return ""
	}

	// 从池中获取字符串构建器
	sb := randStringBuilderPool.Get().(*strings.Builder)
	defer func() {
		sb.Reset()
		randStringBuilderPool.Put(sb)
	}()

	// 预分配容量
	sb.Grow(n)

	randMu.Lock()
	for range n {
		sb.WriteRune(letters[randSource.Intn(len(letters))])
	}
	randMu.Unlock()

	return sb.String()
}

// Truncate 截断过长的字符串用于日志输出
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
