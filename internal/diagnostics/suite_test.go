package diagnostics

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/transport"
)

// echoCreds 固定令牌
type echoCreds struct{}

func (echoCreds) Token(ctx context.Context, identity string) (string, error) {
	return "token", nil
}

func (echoCreds) Refresh(ctx context.Context, identity string) error { return nil }

// pipeCarrier 测试用内存承载
type pipeCarrier struct {
	net.Conn
}

func (p *pipeCarrier) RemoteAddr() string { return "pipe" }

// echoDialer 内存回显服务端
type echoDialer struct {
	dialErr    error
	rejectAuth bool
}

func (d *echoDialer) Dial(ctx context.Context, endpoint string) (transport.Carrier, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	local, remote := net.Pipe()
	go d.serve(remote)
	return &pipeCarrier{Conn: local}, nil
}

// serve 认证后回显全部数据帧
func (d *echoDialer) serve(conn net.Conn) {
	defer conn.Close()
	for {
		f := &transport.Frame{}
		if _, err := f.ReadFrom(conn); err != nil {
			return
		}
		var reply *transport.Frame
		switch f.Type {
		case transport.FrameTypeAuth:
			if d.rejectAuth {
				reply = transport.NewFrame(transport.FrameTypeAuthErr, 0, []byte("凭证无效"))
			} else {
				reply = transport.NewFrame(transport.FrameTypeAuthOK, 0, nil)
			}
		case transport.FrameTypePing:
			reply = transport.NewFrame(transport.FrameTypePong, 0, f.Payload)
		case transport.FrameTypeData:
			reply = transport.NewFrame(transport.FrameTypeData, f.ChannelID, f.Payload)
		}
		if reply != nil {
			if _, err := reply.WriteTo(conn); err != nil {
				return
			}
		}
	}
}

func diagConfig(t *testing.T) *config.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.Diagnostics.TestTimeout = config.Duration(2 * time.Second)
	cfg.Diagnostics.LatencySamples = 3
	cfg.Diagnostics.ThroughputPayload = 8 * 1024
	cfg.Diagnostics.ThroughputMinBPS = 1024
	cfg.Diagnostics.PayloadSize = 512
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSuiteAllPass(t *testing.T) {
	s := NewSuite(diagConfig(t), &echoDialer{}, echoCreds{})

	report := s.Run(context.Background(), "client-a", "203.0.113.1:9000")

	if report.Failed != 0 {
		t.Fatalf("expected all tests to pass: %s", report.Render())
	}
	if report.HealthScore != 100 {
		t.Errorf("expected score 100, got %d", report.HealthScore)
	}
	if report.HealthStatus != "excellent" {
		t.Errorf("expected excellent, got %s", report.HealthStatus)
	}
	if len(report.Results) != 7 {
		t.Errorf("expected 7 results, got %d", len(report.Results))
	}
}

// 目标不可达：仅解析通过，评分落入critical区间
func TestSuiteUnreachableHost(t *testing.T) {
	d := &echoDialer{dialErr: errors.New("dial tcp: connection refused")}
	s := NewSuite(diagConfig(t), d, echoCreds{})

	report := s.Run(context.Background(), "client-a", "203.0.113.1:9000")

	if report.HealthScore > 24 {
		t.Errorf("unreachable host must score critical, got %d", report.HealthScore)
	}
	if report.HealthStatus != "critical" {
		t.Errorf("expected critical, got %s", report.HealthStatus)
	}

	// 连接失败后所有依赖项按skipped记录
	byName := make(map[string]TestResult)
	for _, res := range report.Results {
		byName[res.Name] = res
	}
	if byName[TestConnect].Status != StatusFailed {
		t.Errorf("expected connect failed, got %s", byName[TestConnect].Status)
	}
	for _, name := range []string{TestAuthentication, TestTunnel, TestPayloadTransfer, TestLatency, TestThroughput} {
		if byName[name].Status != StatusSkipped {
			t.Errorf("%s should be skipped after connect failure, got %s", name, byName[name].Status)
		}
	}
}

func TestSuiteAuthRejected(t *testing.T) {
	s := NewSuite(diagConfig(t), &echoDialer{rejectAuth: true}, echoCreds{})

	report := s.Run(context.Background(), "client-a", "203.0.113.1:9000")

	byName := make(map[string]TestResult)
	for _, res := range report.Results {
		byName[res.Name] = res
	}
	if byName[TestNameResolution].Status != StatusPassed || byName[TestConnect].Status != StatusPassed {
		t.Error("resolution and connect should pass")
	}
	if byName[TestAuthentication].Status != StatusFailed {
		t.Errorf("expected auth failure, got %s", byName[TestAuthentication].Status)
	}
	if byName[TestTunnel].Status != StatusSkipped {
		t.Error("tunnel test should be skipped after auth failure")
	}
	// 解析10 + 连接25
	if report.HealthScore != 35 {
		t.Errorf("expected score 35, got %d", report.HealthScore)
	}
}

func TestRenderMentionsFailure(t *testing.T) {
	d := &echoDialer{dialErr: errors.New("dial tcp: connection refused")}
	s := NewSuite(diagConfig(t), d, echoCreds{})

	out := s.Run(context.Background(), "client-a", "203.0.113.1:9000").Render()

	if !strings.Contains(out, "transport_connect") {
		t.Error("rendered report must list the failed test")
	}
	if !strings.Contains(out, "建议") {
		t.Error("rendered report must include advice for the first failure")
	}
}

func TestReportJSON(t *testing.T) {
	s := NewSuite(diagConfig(t), &echoDialer{}, echoCreds{})
	report := s.Run(context.Background(), "client-a", "203.0.113.1:9000")

	data, err := report.JSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"health_score": 100`) {
		t.Errorf("JSON report missing score: %s", data)
	}
}
