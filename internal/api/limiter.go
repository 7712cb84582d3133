package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter 按 key 限流的令牌桶集合
type Limiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	buckets  map[string]*bucket
	idle     time.Duration
	maxKeys  int
	lastTrim time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter 创建限流器，perSecond <= 0 时不限流
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
		idle:    10 * time.Minute,
		maxKeys: 10000,
	}
}

// Allow 判断 key 当前是否允许通过
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.trimLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// trimLocked 清理长时间未使用的令牌桶
func (l *Limiter) trimLocked(now time.Time) {
	if now.Sub(l.lastTrim) < time.Second {
		return
	}
	l.lastTrim = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
}

// Len 当前令牌桶数量
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
