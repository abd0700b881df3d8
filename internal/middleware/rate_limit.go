package middleware

import (
	"context"
	"sync"
	"time"

	"seedream-proxy/internal/errors"
	"seedream-proxy/internal/logger"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	cleanupInterval  = 2 * time.Minute
	inactiveDuration = 10 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按客户端 IP 限流
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rate    rate.Limit
	burst   int
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRateLimiter 创建限流器并启动后台清理，调用方负责 Close
func NewRateLimiter(rps int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		clients: make(map[string]*clientEntry),
		rate:    rate.Limit(rps),
		burst:   max(rps, 1),
		now:     time.Now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop(ctx)
	return rl
}

// Limiter 返回指定客户端的限流器
func (rl *RateLimiter) Limiter(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if entry, ok := rl.clients[clientIP]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.clients[clientIP] = &clientEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Middleware 返回 echo 中间件
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if !rl.Limiter(ip).Allow() {
				logger.Warn("请求被限流", zap.String("remote_addr", ip))
				return errors.NewTooManyRequestsError()
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	defer close(rl.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup 删除长时间不活跃的客户端
func (rl *RateLimiter) cleanup() int {
	threshold := rl.now().Add(-inactiveDuration)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, entry := range rl.clients {
		if entry.lastSeen.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// Close 停止后台清理
func (rl *RateLimiter) Close() {
	rl.cancel()
	<-rl.done
}
