package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"mbridge/relay/internal/errs"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector 请求指标采集器
//
// 汇总按标识与上游目标维度的请求计数、时延分布与错误分类计数，
// 同时向Prometheus注册器暴露同维度指标。
type Collector struct {
	totalRequests  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	totalBytesIn   atomic.Int64
	totalBytesOut  atomic.Int64

	mu         sync.RWMutex
	byCategory map[errs.Category]int64
	byIdentity map[string]*identityStats

	promRequests *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
	promBytes    *prometheus.CounterVec

	slow *SlowRequestDetector

	logger *zap.Logger
}

// identityStats 单个标识的累计统计
type identityStats struct {
	Requests   int64
	Failures   int64
	TotalNanos int64
	BytesIn    int64
	BytesOut   int64
}

// NewCollector 创建指标采集器并注册Prometheus指标
func NewCollector(reg prometheus.Registerer, slow *SlowRequestDetector) *Collector {
	c := &Collector{
		byCategory: make(map[errs.Category]int64),
		byIdentity: make(map[string]*identityStats),
		slow:       slow,
		logger:     zap.L().Named("metrics"),
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total requests by identity and endpoint.",
		}, []string{"identity", "endpoint", "outcome"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "errors_total",
			Help:      "Total categorized errors.",
		}, []string{"identity", "endpoint", "category"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Request duration distribution.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"identity", "endpoint"}),
		promBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bytes_total",
			Help:      "Total payload bytes transferred by direction.",
		}, []string{"identity", "endpoint", "direction"}),
	}

	if reg != nil {
		reg.MustRegister(c.promRequests, c.promErrors, c.promLatency, c.promBytes)
	}
	return c
}

// RecordRequest 记录一次请求结果
//
// ce为nil表示成功。慢请求判定与告警由检测器在同一调用中完成。
// 请求ID只入结构化日志，不进指标标签，避免基数爆炸。
func (c *Collector) RecordRequest(identity, endpoint, requestID string, duration time.Duration, ce *errs.CategorizedError) {
	c.totalRequests.Add(1)

	outcome := "success"
	if ce != nil {
		outcome = "failure"
		c.totalFailures.Add(1)
	} else {
		c.totalSuccesses.Add(1)
	}

	c.mu.Lock()
	if ce != nil {
		c.byCategory[ce.Category]++
	}
	is, ok := c.byIdentity[identity]
	if !ok {
		is = &identityStats{}
		c.byIdentity[identity] = is
	}
	is.Requests++
	is.TotalNanos += duration.Nanoseconds()
	if ce != nil {
		is.Failures++
	}
	c.mu.Unlock()

	c.promRequests.WithLabelValues(identity, endpoint, outcome).Inc()
	c.promLatency.WithLabelValues(identity, endpoint).Observe(duration.Seconds())
	if ce != nil {
		c.promErrors.WithLabelValues(identity, endpoint, string(ce.Category)).Inc()
		c.logger.Debug("记录失败请求",
			zap.String("request_id", requestID),
			zap.String("identity", identity),
			zap.String("category", string(ce.Category)),
			zap.Duration("duration", duration))
	}

	if c.slow != nil {
		c.slow.Observe(identity, endpoint, duration)
	}
}

// RecordBytes 记录一次转发的负载字节量
//
// 在通道归还时调用，in为收到对端的字节数，out为发往对端的字节数。
func (c *Collector) RecordBytes(identity, endpoint string, in, out int64) {
	if in == 0 && out == 0 {
		return
	}
	c.totalBytesIn.Add(in)
	c.totalBytesOut.Add(out)

	c.mu.Lock()
	is, ok := c.byIdentity[identity]
	if !ok {
		is = &identityStats{}
		c.byIdentity[identity] = is
	}
	is.BytesIn += in
	is.BytesOut += out
	c.mu.Unlock()

	c.promBytes.WithLabelValues(identity, endpoint, "in").Add(float64(in))
	c.promBytes.WithLabelValues(identity, endpoint, "out").Add(float64(out))
}

// Snapshot 指标快照
type Snapshot struct {
	TotalRequests  int64                   `json:"total_requests"`
	TotalSuccesses int64                   `json:"total_successes"`
	TotalFailures  int64                   `json:"total_failures"`
	TotalBytesIn   int64                   `json:"total_bytes_in"`
	TotalBytesOut  int64                   `json:"total_bytes_out"`
	ByCategory     map[errs.Category]int64 `json:"by_category"`
	ByIdentity     map[string]IdentityView `json:"by_identity"`
	SlowRate       float64                 `json:"slow_rate"`
	Timestamp      time.Time               `json:"timestamp"`
}

// IdentityView 单个标识的对外统计视图
type IdentityView struct {
	Requests   int64         `json:"requests"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
	BytesIn    int64         `json:"bytes_in"`
	BytesOut   int64         `json:"bytes_out"`
}

// GetSnapshot 获取当前指标快照（读时复制，调用方可安全持有）
func (c *Collector) GetSnapshot() Snapshot {
	snap := Snapshot{
		TotalRequests:  c.totalRequests.Load(),
		TotalSuccesses: c.totalSuccesses.Load(),
		TotalFailures:  c.totalFailures.Load(),
		TotalBytesIn:   c.totalBytesIn.Load(),
		TotalBytesOut:  c.totalBytesOut.Load(),
		ByCategory:     make(map[errs.Category]int64),
		ByIdentity:     make(map[string]IdentityView),
		Timestamp:      time.Now(),
	}

	c.mu.RLock()
	for cat, n := range c.byCategory {
		snap.ByCategory[cat] = n
	}
	for id, is := range c.byIdentity {
		view := IdentityView{
			Requests: is.Requests,
			Failures: is.Failures,
			BytesIn:  is.BytesIn,
			BytesOut: is.BytesOut,
		}
		if is.Requests > 0 {
			view.AvgLatency = time.Duration(is.TotalNanos / is.Requests)
		}
		snap.ByIdentity[id] = view
	}
	c.mu.RUnlock()

	if c.slow != nil {
		snap.SlowRate = c.slow.SlowRequestRate()
	}
	return snap
}
