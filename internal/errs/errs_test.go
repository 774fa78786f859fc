package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategorize(t *testing.T) {
	ctx := Context{Identity: "tenant-1", Endpoint: "127.0.0.1:9000", Op: "dial"}

	tests := []struct {
		name      string
		err       error
		category  Category
		code      string
		retryable bool
	}{
		{"连接被拒", errors.New("dial tcp 127.0.0.1:9000: connection refused"), CategoryNetwork, "E-NET-REFUSED", true},
		{"域名解析失败", errors.New("lookup model.invalid: no such host"), CategoryNetwork, "E-NET-DNS", true},
		{"超时", errors.New("i/o timeout"), CategoryNetwork, "E-NET-TIMEOUT", true},
		{"连接中断", errors.New("read: connection reset by peer"), CategoryNetwork, "E-NET-CLOSED", true},
		{"握手失败", errors.New("transport handshake failed"), CategoryProtocol, "E-PROTO-HANDSHAKE", true},
		{"帧格式错误", errors.New("malformed frame header"), CategoryProtocol, "E-PROTO-MALFORMED", true},
		{"凭证被拒", errors.New("authentication failed: credential expired"), CategoryAuthentication, "E-AUTH-REJECTED", true},
		{"配额超限", errors.New("429 too many requests"), CategoryResource, "E-RES-QUOTA", true},
		{"上游错误", errors.New("upstream error: 503 service unavailable"), CategoryServer, "E-SRV-UPSTREAM", true},
		{"资源耗尽", errors.New("connection pool exhausted"), CategoryResource, "E-RES-EXHAUSTED", true},
		{"配置错误", errors.New("config: missing required field listen_addr"), CategoryConfiguration, "E-CFG-INVALID", false},
		{"未知错误", errors.New("something completely different"), CategoryUnknown, "E-UNKNOWN", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ce := Categorize(tt.err, ctx)
			if ce.Category != tt.category {
				t.Errorf("category: expected %s, got %s", tt.category, ce.Category)
			}
			if ce.Code != tt.code {
				t.Errorf("code: expected %s, got %s", tt.code, ce.Code)
			}
			if ce.Retryable != tt.retryable {
				t.Errorf("retryable: expected %v, got %v", tt.retryable, ce.Retryable)
			}
		})
	}
}

// 相同的失败签名必须总是产生相同的分类和代码
func TestCategorizePure(t *testing.T) {
	ctx := Context{Op: "dial"}
	for i := 0; i < 100; i++ {
		err := fmt.Errorf("dial tcp: connection refused")
		a := Categorize(err, ctx)
		b := Categorize(err, ctx)
		if a.Code != b.Code || a.Category != b.Category || a.Retryable != b.Retryable {
			t.Fatalf("categorize not pure: %v vs %v", a, b)
		}
	}
}

func TestCategorizePassthrough(t *testing.T) {
	orig := NewResource("E-RES-RATELIMIT", "请求速率超限", "稍后重试", 2*time.Second)
	wrapped := fmt.Errorf("acquire failed: %w", orig)

	ce := Categorize(wrapped, Context{})
	if ce.Code != "E-RES-RATELIMIT" {
		t.Errorf("expected passthrough of categorized error, got %s", ce.Code)
	}
	if ce.RetryAfter != 2*time.Second {
		t.Errorf("expected retry_after preserved, got %v", ce.RetryAfter)
	}
}

// 分类错误携带上下文中的请求ID，便于按请求追踪日志
func TestCategorizeCarriesRequestID(t *testing.T) {
	ce := Categorize(errors.New("dial tcp: connection refused"), Context{RequestID: "req-1"})
	if ce.RequestID != "req-1" {
		t.Errorf("expected request id req-1, got %q", ce.RequestID)
	}

	// 透传已分类错误时补填缺失的请求ID，已有的不覆盖
	orig := Categorize(errors.New("dial tcp: connection refused"), Context{})
	filled := Categorize(fmt.Errorf("acquire: %w", orig), Context{RequestID: "req-2"})
	if filled.RequestID != "req-2" {
		t.Errorf("expected passthrough to fill the request id, got %q", filled.RequestID)
	}
	kept := Categorize(fmt.Errorf("retry: %w", filled), Context{RequestID: "req-3"})
	if kept.RequestID != "req-2" {
		t.Errorf("an already attached request id must not be overwritten, got %q", kept.RequestID)
	}
}

func TestCategorizedErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	ce := Categorize(cause, Context{})
	if !errors.Is(ce, cause) {
		t.Error("expected errors.Is to reach the original cause")
	}
}
