package diagnostics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/pool"
	"mbridge/relay/internal/transport"

	"go.uber.org/zap"
)

// TestStatus 单项诊断结果状态
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped" // 前置测试失败，按失败计分
)

// TestResult 单项诊断结果
type TestResult struct {
	Name     string                 `json:"name"`
	Status   TestStatus             `json:"status"`
	Duration time.Duration          `json:"duration"`
	Message  string                 `json:"message,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Attainment 失败的量化测试项测量值与通过线的接近程度，
	// 取值(0,1)，计分时按比例折算部分分值
	Attainment float64 `json:"attainment,omitempty"`
}

// 诊断项名称，按执行顺序排列
const (
	TestNameResolution  = "name_resolution"
	TestConnect         = "transport_connect"
	TestAuthentication  = "authentication"
	TestTunnel          = "tunnel_establishment"
	TestPayloadTransfer = "payload_transfer"
	TestLatency         = "latency"
	TestThroughput      = "throughput"
)

// Suite 连接诊断测试套件
//
// 按依赖顺序执行诊断项：前置失败的项记为skipped，计分时视同
// 失败。每项受独立超时约束，超时即失败。
type Suite struct {
	cfg    *config.Manager
	dialer transport.Dialer
	creds  pool.CredentialSource

	logger *zap.Logger
}

// NewSuite 创建诊断套件
func NewSuite(cfg *config.Manager, dialer transport.Dialer, creds pool.CredentialSource) *Suite {
	return &Suite{
		cfg:    cfg,
		dialer: dialer,
		creds:  creds,
		logger: zap.L().Named("diagnostics"),
	}
}

// suiteState 诊断过程中逐步建立的共享状态
type suiteState struct {
	session *transport.Session
	channel *transport.Channel
}

// Run 执行完整诊断并返回报告
func (s *Suite) Run(ctx context.Context, identity, endpoint string) *Report {
	dc := s.cfg.Current().Diagnostics
	state := &suiteState{}
	defer func() {
		if state.channel != nil {
			state.channel.Close()
		}
		if state.session != nil {
			state.session.Close()
		}
	}()

	s.logger.Info("开始连接诊断",
		zap.String("identity", identity),
		zap.String("endpoint", endpoint))

	var results []TestResult
	failed := make(map[string]bool)

	steps := []struct {
		name     string
		requires string
		run      func(context.Context) (string, map[string]interface{}, error)
	}{
		{TestNameResolution, "", func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkResolution(c, endpoint)
		}},
		{TestConnect, TestNameResolution, func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkConnect(c, endpoint, state)
		}},
		{TestAuthentication, TestConnect, func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkAuth(c, identity, state)
		}},
		{TestTunnel, TestAuthentication, func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkTunnel(c, state)
		}},
		{TestPayloadTransfer, TestTunnel, func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkPayload(c, state, int(dc.PayloadSize))
		}},
		{TestLatency, TestPayloadTransfer, func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkLatency(c, state)
		}},
		{TestThroughput, TestPayloadTransfer, func(c context.Context) (string, map[string]interface{}, error) {
			return s.checkThroughput(c, state)
		}},
	}

	for _, step := range steps {
		if step.requires != "" && failed[step.requires] {
			failed[step.name] = true
			results = append(results, TestResult{
				Name:    step.name,
				Status:  StatusSkipped,
				Message: fmt.Sprintf("前置测试 %s 未通过", step.requires),
			})
			continue
		}
		results = append(results, s.runStep(ctx, step.name, step.run, failed))
	}

	report := NewReport(identity, endpoint, results)
	s.logger.Info("诊断完成",
		zap.Int("health_score", report.HealthScore),
		zap.String("health_status", report.HealthStatus))
	return report
}

// runStep 带超时执行单项诊断
func (s *Suite) runStep(ctx context.Context, name string,
	run func(context.Context) (string, map[string]interface{}, error), failed map[string]bool) TestResult {

	timeout := s.cfg.Current().Diagnostics.TestTimeout.D()
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		msg     string
		details map[string]interface{}
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, details, err := run(stepCtx)
		done <- outcome{msg, details, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-stepCtx.Done():
		o = outcome{err: fmt.Errorf("测试超时 (%v)", timeout)}
	}

	result := TestResult{
		Name:     name,
		Duration: time.Since(start),
		Details:  o.details,
	}
	if o.err != nil {
		failed[name] = true
		result.Status = StatusFailed
		result.Message = o.err.Error()
		if a, ok := o.details["attainment"].(float64); ok {
			result.Attainment = a
		}
		s.logger.Warn("诊断项失败", zap.String("test", name), zap.Error(o.err))
	} else {
		result.Status = StatusPassed
		result.Message = o.msg
	}
	return result
}

// checkResolution 目标主机名解析
func (s *Suite) checkResolution(ctx context.Context, endpoint string) (string, map[string]interface{}, error) {
	host := hostOf(endpoint)
	if ip := net.ParseIP(host); ip != nil {
		return "目标为IP地址，无需解析", map[string]interface{}{"host": host}, nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Current().Diagnostics.ResolutionTimeout.D())
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(rctx, host)
	if err != nil {
		return "", nil, fmt.Errorf("域名解析失败: %w", err)
	}
	return fmt.Sprintf("解析到 %d 个地址", len(addrs)),
		map[string]interface{}{"host": host, "addresses": addrs}, nil
}

// checkConnect 承载层连接
func (s *Suite) checkConnect(ctx context.Context, endpoint string, state *suiteState) (string, map[string]interface{}, error) {
	carrier, err := s.dialer.Dial(ctx, endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("连接失败: %w", err)
	}
	state.session = transport.NewSession(carrier, s.cfg)
	return "承载连接已建立", map[string]interface{}{"remote": carrier.RemoteAddr()}, nil
}

// checkAuth 凭证认证
func (s *Suite) checkAuth(ctx context.Context, identity string, state *suiteState) (string, map[string]interface{}, error) {
	token, err := s.creds.Token(ctx, identity)
	if err != nil {
		return "", nil, fmt.Errorf("获取凭证失败: %w", err)
	}
	if err := state.session.Authenticate(ctx, identity, token); err != nil {
		return "", nil, fmt.Errorf("认证失败: %w", err)
	}
	return "凭证已接受", nil, nil
}

// checkTunnel 隧道通道建立
func (s *Suite) checkTunnel(ctx context.Context, state *suiteState) (string, map[string]interface{}, error) {
	ch, err := state.session.OpenChannel(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("打开通道失败: %w", err)
	}
	state.channel = ch
	return "通道已打开", map[string]interface{}{"channel_id": ch.ID()}, nil
}

// checkPayload 负载往返校验
func (s *Suite) checkPayload(ctx context.Context, state *suiteState, size int) (string, map[string]interface{}, error) {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	echo, err := roundtrip(state.channel, payload)
	if err != nil {
		return "", nil, err
	}
	for i := range payload {
		if echo[i] != payload[i] {
			return "", nil, fmt.Errorf("回显数据损坏: 偏移 %d", i)
		}
	}
	return fmt.Sprintf("%d 字节往返校验通过", size),
		map[string]interface{}{"payload_bytes": size}, nil
}

// checkLatency 多次采样的往返时延
func (s *Suite) checkLatency(ctx context.Context, state *suiteState) (string, map[string]interface{}, error) {
	dc := s.cfg.Current().Diagnostics
	samples := dc.LatencySamples
	probe := []byte("latency-probe")

	var total time.Duration
	var worst time.Duration
	for i := 0; i < samples; i++ {
		start := time.Now()
		if _, err := roundtrip(state.channel, probe); err != nil {
			return "", nil, fmt.Errorf("采样 %d 失败: %w", i+1, err)
		}
		rtt := time.Since(start)
		total += rtt
		if rtt > worst {
			worst = rtt
		}
	}
	avg := total / time.Duration(samples)

	details := map[string]interface{}{
		"samples": samples,
		"avg_ms":  float64(avg.Microseconds()) / 1000,
		"max_ms":  float64(worst.Microseconds()) / 1000,
	}
	if avg > dc.LatencyThreshold.D() {
		details["attainment"] = dc.LatencyThreshold.D().Seconds() / avg.Seconds()
		return "", details, fmt.Errorf("平均时延 %v 超过阈值 %v", avg, dc.LatencyThreshold.D())
	}
	return fmt.Sprintf("平均时延 %v (%d 次采样)", avg, samples), details, nil
}

// checkThroughput 批量传输吞吐
func (s *Suite) checkThroughput(ctx context.Context, state *suiteState) (string, map[string]interface{}, error) {
	dc := s.cfg.Current().Diagnostics
	size := int(dc.ThroughputPayload)
	payload := make([]byte, size)

	start := time.Now()
	if _, err := roundtrip(state.channel, payload); err != nil {
		return "", nil, err
	}
	elapsed := time.Since(start)

	// 往返双向各传一次
	bps := float64(size*2) / elapsed.Seconds()
	details := map[string]interface{}{
		"bytes":            size * 2,
		"elapsed_ms":       float64(elapsed.Microseconds()) / 1000,
		"bytes_per_second": bps,
	}
	if bps < float64(dc.ThroughputMinBPS) {
		details["attainment"] = bps / float64(dc.ThroughputMinBPS)
		return "", details, fmt.Errorf("吞吐 %.0f B/s 低于下限 %d B/s", bps, dc.ThroughputMinBPS)
	}
	return fmt.Sprintf("吞吐 %.0f B/s", bps), details, nil
}

// roundtrip 在通道上发送负载并读回等长回显
func roundtrip(ch *transport.Channel, payload []byte) ([]byte, error) {
	if _, err := ch.Write(payload); err != nil {
		return nil, fmt.Errorf("发送失败: %w", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(ch, echo); err != nil {
		return nil, fmt.Errorf("读取回显失败: %w", err)
	}
	return echo, nil
}

// hostOf 从目标地址中提取主机名
func hostOf(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
