package metrics

import (
	"sync"
	"time"

	"mbridge/relay/internal/config"

	"go.uber.org/zap"
)

// observation 窗口内的单条请求记录
type observation struct {
	at   time.Time
	slow bool
}

// SlowRequestDetector 慢请求检测器
//
// 在滑动窗口内跟踪请求时延，慢请求占比越过阈值时发出告警；
// 冷却期内的越限只计数不重复告警，且越限记录保留在窗口中。
type SlowRequestDetector struct {
	cfg *config.Manager

	mu      sync.Mutex
	history []observation

	lastAlert  time.Time
	suppressed int64
	alertCount int64

	logger *zap.Logger
}

// NewSlowRequestDetector 创建慢请求检测器
func NewSlowRequestDetector(cfg *config.Manager) *SlowRequestDetector {
	return &SlowRequestDetector{
		cfg:    cfg,
		logger: zap.L().Named("slow-detector"),
	}
}

// Observe 记录一次请求时延并触发一次告警检查
func (d *SlowRequestDetector) Observe(identity, endpoint string, duration time.Duration) {
	mc := d.cfg.Current().Metrics
	now := time.Now()
	slow := duration >= mc.SlowThreshold.D()

	d.mu.Lock()
	d.prune(now, mc.SlowWindow.D())
	d.history = append(d.history, observation{at: now, slow: slow})
	d.mu.Unlock()

	if slow {
		d.logger.Warn("检测到慢请求",
			zap.String("identity", identity),
			zap.String("endpoint", endpoint),
			zap.Duration("duration", duration),
			zap.Duration("threshold", mc.SlowThreshold.D()))
	}

	d.CheckAndAlert()
}

// CheckAndAlert 检查慢请求占比并在越限时告警
//
// 冷却期内的越限只累计抑制计数，不重复告警；返回是否发出告警。
func (d *SlowRequestDetector) CheckAndAlert() bool {
	mc := d.cfg.Current().Metrics
	now := time.Now()

	d.mu.Lock()
	d.prune(now, mc.SlowWindow.D())
	rate := d.rateLocked()
	breach := rate > mc.AlertThresholdRate && len(d.history) > 0
	var fire bool
	if breach {
		if now.Sub(d.lastAlert) >= mc.AlertCooldown.D() {
			d.lastAlert = now
			d.alertCount++
			fire = true
		} else {
			d.suppressed++
		}
	}
	d.mu.Unlock()

	if fire {
		d.logger.Error("慢请求占比越限",
			zap.Float64("rate", rate),
			zap.Float64("threshold", mc.AlertThresholdRate),
			zap.Duration("window", mc.SlowWindow.D()))
	}
	return fire
}

// SlowRequestRate 当前窗口内慢请求占比，窗口为空时返回0
func (d *SlowRequestDetector) SlowRequestRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(time.Now(), d.cfg.Current().Metrics.SlowWindow.D())
	return d.rateLocked()
}

// rateLocked 调用方必须持有d.mu
func (d *SlowRequestDetector) rateLocked() float64 {
	if len(d.history) == 0 {
		return 0
	}
	slow := 0
	for _, obs := range d.history {
		if obs.slow {
			slow++
		}
	}
	return float64(slow) / float64(len(d.history))
}

// prune 丢弃滑出窗口的记录，调用方必须持有d.mu
func (d *SlowRequestDetector) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	keep := d.history[:0]
	for _, obs := range d.history {
		if obs.at.After(cutoff) {
			keep = append(keep, obs)
		}
	}
	d.history = keep
}

// Stats 检测器统计
func (d *SlowRequestDetector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"window_size":       len(d.history),
		"slow_rate":         d.rateLocked(),
		"alerts_fired":      d.alertCount,
		"alerts_suppressed": d.suppressed,
	}
}
