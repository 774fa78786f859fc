package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// 各诊断项的健康评分权重，总和为100
var scoreWeights = map[string]int{
	TestNameResolution:  10,
	TestConnect:         25,
	TestAuthentication:  15,
	TestTunnel:          15,
	TestPayloadTransfer: 15,
	TestLatency:         10,
	TestThroughput:      10,
}

// 健康状态分界
const (
	scoreExcellent = 90
	scoreGood      = 75
	scoreFair      = 50
	scorePoor      = 25
)

// Report 诊断报告
type Report struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	Identity     string       `json:"identity"`
	Endpoint     string       `json:"endpoint"`
	Results      []TestResult `json:"results"`
	Passed       int          `json:"passed"`
	Failed       int          `json:"failed"`
	HealthScore  int          `json:"health_score"`
	HealthStatus string       `json:"health_status"`
}

// NewReport 汇总诊断结果生成报告
func NewReport(identity, endpoint string, results []TestResult) *Report {
	r := &Report{
		GeneratedAt: time.Now(),
		Identity:    identity,
		Endpoint:    endpoint,
		Results:     results,
	}
	for _, res := range results {
		if res.Status == StatusPassed {
			r.Passed++
		} else {
			// skipped按失败计
			r.Failed++
		}
	}
	r.HealthScore = CalculateHealthScore(results)
	r.HealthStatus = HealthStatus(r.HealthScore)
	return r
}

// CalculateHealthScore 加权健康评分
//
// 通过项计满权重；带测量值的失败项按测量值与通过线的接近程度
// 折算部分分值。单调：任一失败项转为通过，评分不会下降。
func CalculateHealthScore(results []TestResult) int {
	score := 0.0
	for _, res := range results {
		w := float64(scoreWeights[res.Name])
		switch {
		case res.Status == StatusPassed:
			score += w
		case res.Status == StatusFailed && res.Attainment > 0:
			a := res.Attainment
			if a > 1 {
				a = 1
			}
			score += w * a
		}
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// HealthStatus 评分对应的健康状态
func HealthStatus(score int) string {
	switch {
	case score >= scoreExcellent:
		return "excellent"
	case score >= scoreGood:
		return "good"
	case score >= scoreFair:
		return "fair"
	case score >= scorePoor:
		return "poor"
	default:
		return "critical"
	}
}

// JSON 序列化报告
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Render 渲染人类可读的报告文本
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "连接诊断报告\n")
	fmt.Fprintf(&b, "目标: %s  标识: %s\n", r.Endpoint, r.Identity)
	fmt.Fprintf(&b, "时间: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "健康评分: %d/100 (%s)\n\n", r.HealthScore, r.HealthStatus)

	for _, res := range r.Results {
		mark := "✓"
		switch res.Status {
		case StatusFailed:
			mark = "✗"
		case StatusSkipped:
			mark = "-"
		}
		fmt.Fprintf(&b, "  %s %-22s %-8s %v", mark, res.Name, res.Status, res.Duration.Round(time.Millisecond))
		if res.Message != "" {
			fmt.Fprintf(&b, "  %s", res.Message)
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\n通过 %d 项，失败 %d 项\n", r.Passed, r.Failed)

	if r.Failed > 0 {
		b.WriteString(r.advice())
	}
	return b.String()
}

// advice 按首个失败项给出排查建议
func (r *Report) advice() string {
	for _, res := range r.Results {
		if res.Status != StatusFailed {
			continue
		}
		switch res.Name {
		case TestNameResolution:
			return "建议: 检查目标地址拼写与本地DNS配置。\n"
		case TestConnect:
			return "建议: 确认目标服务已启动、端口可达且防火墙放行。\n"
		case TestAuthentication:
			return "建议: 刷新或重新签发认证凭证。\n"
		case TestTunnel:
			return "建议: 服务端可能已达通道上限，稍后重试。\n"
		case TestPayloadTransfer:
			return "建议: 链路存在数据损坏或中间设备干扰，检查代理配置。\n"
		case TestLatency:
			return "建议: 链路时延偏高，检查网络质量或更换接入点。\n"
		case TestThroughput:
			return "建议: 链路带宽不足，检查本地上行或服务端负载。\n"
		}
	}
	return ""
}
