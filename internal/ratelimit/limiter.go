package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mbridge/relay/internal/config"

	"go.uber.org/zap"
)

// bucket 单个标识的滑动窗口记录
type bucket struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// Limiter 按客户端标识的滑动窗口限流器
//
// 每个标识独立计数，窗口内准入上限为limit+burst。限流参数在
// 每次准入决策时从配置管理器读取，热更新即时生效。
type Limiter struct {
	cfg *config.Manager

	mu      sync.Mutex
	buckets map[string]*bucket

	admitted atomic.Int64
	rejected atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewLimiter 创建限流器
func NewLimiter(cfg *config.Manager) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		ctx:     ctx,
		cancel:  cancel,
		logger:  zap.L().Named("rate-limiter"),
	}
}

// TryAdmit 尝试准入一次请求
//
// 拒绝时返回建议的等待时间：窗口中最早一条记录滑出所需的时长。
// 未见过的标识从全新窗口开始计数。
func (l *Limiter) TryAdmit(identity string) (bool, time.Duration) {
	rc := l.cfg.Current().RateLimit
	window := rc.WindowDuration.D()
	capacity := rc.RequestsPerWindow + rc.BurstAllowance
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{}
		l.buckets[identity] = b
	}
	b.lastSeen = now

	// 丢弃已滑出窗口的记录
	cutoff := now.Add(-window)
	keep := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.timestamps = keep

	if len(b.timestamps) >= capacity {
		retryAfter := b.timestamps[0].Sub(cutoff)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.rejected.Add(1)
		l.logger.Debug("请求被限流",
			zap.String("identity", identity),
			zap.Int("in_window", len(b.timestamps)),
			zap.Duration("retry_after", retryAfter))
		return false, retryAfter
	}

	b.timestamps = append(b.timestamps, now)
	l.admitted.Add(1)
	return true, 0
}

// StartJanitor 启动空闲窗口回收循环
//
// 扫描间隔每轮从配置读取，热更新下一轮生效。
func (l *Limiter) StartJanitor() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			timer := time.NewTimer(l.cfg.Current().RateLimit.BucketTTL.D() / 2)
			select {
			case <-l.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				l.evictIdle()
			}
		}
	}()
}

// Stop 停止限流器后台任务
func (l *Limiter) Stop() {
	l.cancel()
	l.wg.Wait()
}

// evictIdle 回收超过TTL未活动的标识窗口
func (l *Limiter) evictIdle() {
	ttl := l.cfg.Current().RateLimit.BucketTTL.D()
	cutoff := time.Now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for identity, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, identity)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("回收空闲限流窗口",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(l.buckets)))
	}
}

// ActiveIdentities 当前跟踪的标识数量
func (l *Limiter) ActiveIdentities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stats 限流器统计
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	identities := len(l.buckets)
	l.mu.Unlock()

	return map[string]interface{}{
		"active_identities": identities,
		"admitted_total":    l.admitted.Load(),
		"rejected_total":    l.rejected.Load(),
	}
}
