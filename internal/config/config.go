package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支持"30s"格式字符串的持续时间
type Duration time.Duration

// D 转换为time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// String 返回持续时间字符串
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON 序列化为字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 支持字符串和纳秒数两种形式
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("无效的持续时间 '%s': %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	default:
		return fmt.Errorf("无效的持续时间类型: %T", v)
	}
}

// MarshalYAML 序列化为字符串
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML 支持字符串形式
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("无效的持续时间 '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RuntimeConfig 运行时配置
//
// 所有参数均可通过ConfigManager在运行中更新，组件在每次决策点
// 通过Manager句柄读取，不得缓存超过单次决策。
type RuntimeConfig struct {
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Pool        PoolConfig        `json:"pool" yaml:"pool"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Breaker     BreakerConfig     `json:"breaker" yaml:"breaker"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Recovery    RecoveryConfig    `json:"recovery" yaml:"recovery"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	Log         LogConfig         `json:"log" yaml:"log"`
	Server      ServerConfig      `json:"server" yaml:"server"`
}

// TransportConfig 传输配置
type TransportConfig struct {
	Carrier          string   `json:"carrier" yaml:"carrier"`                     // 载体: ws/quic
	ConnectTimeout   Duration `json:"connect_timeout" yaml:"connect_timeout"`     // 连接超时
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"` // 认证握手超时
	PingInterval     Duration `json:"ping_interval" yaml:"ping_interval"`         // 心跳间隔
	WriteTimeout     Duration `json:"write_timeout" yaml:"write_timeout"`         // 帧写入超时
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxConnsPerIdentity int      `json:"max_conns_per_identity" yaml:"max_conns_per_identity"` // 单身份最大连接数
	MaxChannelsPerConn  int      `json:"max_channels_per_conn" yaml:"max_channels_per_conn"`   // 单连接最大通道数
	IdleTimeout         Duration `json:"idle_timeout" yaml:"idle_timeout"`                      // 空闲回收阈值
	EvictInterval       Duration `json:"evict_interval" yaml:"evict_interval"`                  // 回收扫描间隔
	DegradedThreshold   int      `json:"degraded_threshold" yaml:"degraded_threshold"`          // 连续通道失败降级阈值
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	RequestsPerWindow int      `json:"requests_per_window" yaml:"requests_per_window"` // 窗口内请求上限
	WindowDuration    Duration `json:"window_duration" yaml:"window_duration"`         // 窗口时长
	BurstAllowance    int      `json:"burst_allowance" yaml:"burst_allowance"`         // 突发余量
	BucketTTL         Duration `json:"bucket_ttl" yaml:"bucket_ttl"`                   // 空闲桶回收阈值
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"` // 失败阈值
	ReopenTimeout    Duration `json:"reopen_timeout" yaml:"reopen_timeout"`       // 重开超时
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	SlowThreshold      Duration `json:"slow_threshold" yaml:"slow_threshold"`             // 慢请求阈值
	SlowWindow         Duration `json:"slow_window" yaml:"slow_window"`                   // 慢请求统计窗口
	AlertThresholdRate float64  `json:"alert_threshold_rate" yaml:"alert_threshold_rate"` // 告警阈值比率
	AlertCooldown      Duration `json:"alert_cooldown" yaml:"alert_cooldown"`             // 告警冷却时间
	SystemInterval     Duration `json:"system_interval" yaml:"system_interval"`           // 系统指标采集间隔
}

// RecoveryConfig 恢复策略配置
type RecoveryConfig struct {
	InitialDelay  Duration `json:"initial_delay" yaml:"initial_delay"`   // 初始退避
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay"`           // 最大退避
	BackoffFactor float64  `json:"backoff_factor" yaml:"backoff_factor"` // 退避因子
	Jitter        bool     `json:"jitter" yaml:"jitter"`                 // 随机抖动
	ResourceWait  Duration `json:"resource_wait" yaml:"resource_wait"`   // 资源类错误的有界等待
}

// DiagnosticsConfig 诊断配置
type DiagnosticsConfig struct {
	TestTimeout        Duration `json:"test_timeout" yaml:"test_timeout"`                 // 单项测试超时
	LatencySamples     int      `json:"latency_samples" yaml:"latency_samples"`           // 延迟采样次数
	LatencyThreshold   Duration `json:"latency_threshold" yaml:"latency_threshold"`       // 平均延迟通过线
	ThroughputPayload  int      `json:"throughput_payload" yaml:"throughput_payload"`     // 吞吐测试负载字节数
	ThroughputMinBPS   int      `json:"throughput_min_bps" yaml:"throughput_min_bps"`     // 吞吐通过线(字节/秒)
	PayloadSize        int      `json:"payload_size" yaml:"payload_size"`                 // 小负载测试字节数
	ResolutionTimeout  Duration `json:"resolution_timeout" yaml:"resolution_timeout"`     // 域名解析超时
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // 日志级别
	Format string `json:"format" yaml:"format"` // 格式: json/console
	Output string `json:"output" yaml:"output"` // 输出路径，空为stdout
}

// ServerConfig 管理面配置
type ServerConfig struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr"`           // 监听地址
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"` // 优雅关闭超时
}

// DefaultConfig 返回默认配置
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Transport: TransportConfig{
			Carrier:          "ws",
			ConnectTimeout:   Duration(10 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			WriteTimeout:     Duration(5 * time.Second),
		},
		Pool: PoolConfig{
			MaxConnsPerIdentity: 4,
			MaxChannelsPerConn:  64,
			IdleTimeout:         Duration(300 * time.Second),
			EvictInterval:       Duration(30 * time.Second),
			DegradedThreshold:   3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowDuration:    Duration(60 * time.Second),
			BurstAllowance:    20,
			BucketTTL:         Duration(10 * time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ReopenTimeout:    Duration(60 * time.Second),
		},
		Metrics: MetricsConfig{
			SlowThreshold:      Duration(5 * time.Second),
			SlowWindow:         Duration(5 * time.Minute),
			AlertThresholdRate: 0.1,
			AlertCooldown:      Duration(60 * time.Second),
			SystemInterval:     Duration(10 * time.Second),
		},
		Recovery: RecoveryConfig{
			InitialDelay:  Duration(1 * time.Second),
			MaxDelay:      Duration(60 * time.Second),
			BackoffFactor: 2.0,
			Jitter:        true,
			ResourceWait:  Duration(2 * time.Second),
		},
		Diagnostics: DiagnosticsConfig{
			TestTimeout:       Duration(20 * time.Second),
			LatencySamples:    5,
			LatencyThreshold:  Duration(200 * time.Millisecond),
			ThroughputPayload: 256 * 1024,
			ThroughputMinBPS:  64 * 1024,
			PayloadSize:       1024,
			ResolutionTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Server: ServerConfig{
			ListenAddr:      ":8088",
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// ValidationError 配置验证错误，包含全部违反的约束
type ValidationError struct {
	Violations []string `json:"violations"`
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	return fmt.Sprintf("配置验证失败: %s", strings.Join(e.Violations, "; "))
}

// Validate 验证整体配置，收集所有违反的约束
func (c *RuntimeConfig) Validate() error {
	var v []string

	if c.Transport.Carrier != "ws" && c.Transport.Carrier != "quic" {
		v = append(v, fmt.Sprintf("transport.carrier 必须为 ws 或 quic，当前为 '%s'", c.Transport.Carrier))
	}
	if c.Transport.ConnectTimeout.D() < time.Second || c.Transport.ConnectTimeout.D() > 5*time.Minute {
		v = append(v, "transport.connect_timeout 必须在 [1s, 5m] 范围内")
	}
	if c.Transport.HandshakeTimeout.D() < time.Second || c.Transport.HandshakeTimeout.D() > 5*time.Minute {
		v = append(v, "transport.handshake_timeout 必须在 [1s, 5m] 范围内")
	}
	if c.Transport.PingInterval.D() < time.Second {
		v = append(v, "transport.ping_interval 不得小于 1s")
	}

	if c.Pool.MaxConnsPerIdentity < 1 || c.Pool.MaxConnsPerIdentity > 256 {
		v = append(v, "pool.max_conns_per_identity 必须在 [1, 256] 范围内")
	}
	if c.Pool.MaxChannelsPerConn < 1 || c.Pool.MaxChannelsPerConn > 4096 {
		v = append(v, "pool.max_channels_per_conn 必须在 [1, 4096] 范围内")
	}
	if c.Pool.IdleTimeout.D() < 10*time.Second {
		v = append(v, "pool.idle_timeout 不得小于 10s")
	}
	if c.Pool.DegradedThreshold < 1 {
		v = append(v, "pool.degraded_threshold 不得小于 1")
	}

	if c.RateLimit.RequestsPerWindow < 1 {
		v = append(v, "rate_limit.requests_per_window 不得小于 1")
	}
	if c.RateLimit.WindowDuration.D() < time.Second {
		v = append(v, "rate_limit.window_duration 不得小于 1s")
	}
	if c.RateLimit.BurstAllowance < 0 {
		v = append(v, "rate_limit.burst_allowance 不得为负数")
	}
	if c.RateLimit.BucketTTL.D() < c.RateLimit.WindowDuration.D() {
		v = append(v, "rate_limit.bucket_ttl 不得小于窗口时长")
	}

	if c.Breaker.FailureThreshold < 1 || c.Breaker.FailureThreshold > 1000 {
		v = append(v, "breaker.failure_threshold 必须在 [1, 1000] 范围内")
	}
	if c.Breaker.ReopenTimeout.D() < time.Second {
		v = append(v, "breaker.reopen_timeout 不得小于 1s")
	}

	if c.Metrics.SlowThreshold.D() < 10*time.Millisecond {
		v = append(v, "metrics.slow_threshold 不得小于 10ms")
	}
	if c.Metrics.AlertThresholdRate <= 0 || c.Metrics.AlertThresholdRate > 1 {
		v = append(v, "metrics.alert_threshold_rate 必须在 (0, 1] 范围内")
	}
	if c.Metrics.AlertCooldown.D() < time.Second {
		v = append(v, "metrics.alert_cooldown 不得小于 1s")
	}
	if c.Metrics.SlowWindow.D() < c.Metrics.AlertCooldown.D() {
		v = append(v, "metrics.slow_window 不得小于告警冷却时间")
	}

	if c.Recovery.BackoffFactor < 1.0 || c.Recovery.BackoffFactor > 10.0 {
		v = append(v, "recovery.backoff_factor 必须在 [1.0, 10.0] 范围内")
	}
	if c.Recovery.InitialDelay.D() <= 0 || c.Recovery.InitialDelay.D() > c.Recovery.MaxDelay.D() {
		v = append(v, "recovery.initial_delay 必须为正且不大于 max_delay")
	}

	if c.Diagnostics.LatencySamples < 1 || c.Diagnostics.LatencySamples > 100 {
		v = append(v, "diagnostics.latency_samples 必须在 [1, 100] 范围内")
	}
	if c.Diagnostics.ThroughputPayload < 1024 {
		v = append(v, "diagnostics.throughput_payload 不得小于 1KB")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		v = append(v, fmt.Sprintf("log.level 无效: '%s'", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		v = append(v, fmt.Sprintf("log.format 必须为 json 或 console，当前为 '%s'", c.Log.Format))
	}

	if c.Server.ListenAddr == "" {
		v = append(v, "server.listen_addr 不能为空")
	}

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// Clone 深拷贝配置快照
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	data, err := json.Marshal(c)
	if err != nil {
		// RuntimeConfig只含可序列化字段
		panic(fmt.Sprintf("克隆配置失败: %v", err))
	}
	out := &RuntimeConfig{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("克隆配置失败: %v", err))
	}
	return out
}

// LoadFile 从文件加载配置（按扩展名识别YAML/JSON），缺省值先行填充
func LoadFile(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析YAML配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析JSON配置失败: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
