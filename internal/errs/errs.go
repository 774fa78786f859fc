package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Category 错误分类
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryConfiguration  Category = "configuration"
	CategoryServer         Category = "server"
	CategoryProtocol       Category = "protocol"
	CategoryResource       Category = "resource"
	CategoryUnknown        Category = "unknown"
)

// CategorizedError 分类错误
//
// 组件边界之间只传递此类型，原始传输层错误不外泄。
type CategorizedError struct {
	Code       string        `json:"code"`
	Category   Category      `json:"category"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
	Retryable  bool          `json:"retryable"`
	DocRef     string        `json:"doc_ref,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // 资源类错误的建议等待时间
	RequestID  string        `json:"request_id,omitempty"`

	cause error
}

// Error 实现error接口
func (e *CategorizedError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// Unwrap 返回底层错误
func (e *CategorizedError) Unwrap() error {
	return e.cause
}

// As 从错误链中提取分类错误
func As(err error) (*CategorizedError, bool) {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Context 分类上下文
type Context struct {
	Identity  string
	Endpoint  string
	Op        string
	RequestID string
}

// Categorize 将原始失败信号映射为分类错误
//
// 纯函数：相同的失败签名总是产生相同的分类和代码。
func Categorize(err error, ctx Context) *CategorizedError {
	if err == nil {
		return nil
	}

	// 已分类的错误直接透传
	if ce, ok := As(err); ok {
		if ce.RequestID == "" {
			ce.RequestID = ctx.RequestID
		}
		return ce
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	// DNS解析失败
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(lower, "no such host") || strings.Contains(lower, "lookup") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-NET-DNS",
			Category:   CategoryNetwork,
			Message:    fmt.Sprintf("域名解析失败: %s", ctx.Endpoint),
			Suggestion: "检查目标地址拼写和本地DNS配置",
			Retryable:  true,
		})
	}

	// 凭证被拒（先于通用网络判断，避免被net.Error吞掉）
	if strings.Contains(lower, "credential") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "auth rejected") || strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "401") || strings.Contains(lower, "403") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-AUTH-REJECTED",
			Category:   CategoryAuthentication,
			Message:    "认证凭证被拒绝",
			Suggestion: "刷新令牌后重试；若持续失败请重新签发凭证",
			Retryable:  true,
			DocRef:     "docs/auth.md",
		})
	}

	// 配额/限流（429等价）
	if strings.Contains(lower, "429") || strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-RES-QUOTA",
			Category:   CategoryResource,
			Message:    "请求超出配额",
			Suggestion: "降低请求速率或等待窗口重置",
			Retryable:  true,
		})
	}

	// 上游5xx等价
	if strings.Contains(lower, "502") || strings.Contains(lower, "503") ||
		strings.Contains(lower, "500") || strings.Contains(lower, "504") ||
		strings.Contains(lower, "upstream error") || strings.Contains(lower, "internal server error") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-SRV-UPSTREAM",
			Category:   CategoryServer,
			Message:    "上游服务器错误",
			Suggestion: "上游可能正在故障恢复，稍后重试",
			Retryable:  true,
		})
	}

	// 协议层：握手/帧格式
	if strings.Contains(lower, "handshake") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-PROTO-HANDSHAKE",
			Category:   CategoryProtocol,
			Message:    "传输握手失败",
			Suggestion: "关闭连接并以重新协商的参数重连",
			Retryable:  true,
		})
	}
	if strings.Contains(lower, "malformed") || strings.Contains(lower, "invalid frame") ||
		strings.Contains(lower, "frame too large") || strings.Contains(lower, "unknown frame") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-PROTO-MALFORMED",
			Category:   CategoryProtocol,
			Message:    "收到格式错误的协议消息",
			Suggestion: "关闭连接并重建会话",
			Retryable:  true,
		})
	}

	// 连接被拒
	if strings.Contains(lower, "connection refused") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-NET-REFUSED",
			Category:   CategoryNetwork,
			Message:    fmt.Sprintf("连接被拒绝: %s", ctx.Endpoint),
			Suggestion: "确认目标服务已启动且端口可达",
			Retryable:  true,
		})
	}

	// 超时
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-NET-TIMEOUT",
			Category:   CategoryNetwork,
			Message:    fmt.Sprintf("操作超时: %s", ctx.Op),
			Suggestion: "检查网络连通性，必要时调大超时配置",
			Retryable:  true,
		})
	}

	// 连接中断
	if strings.Contains(lower, "connection reset") || strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "use of closed network connection") || strings.Contains(lower, "eof") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-NET-CLOSED",
			Category:   CategoryNetwork,
			Message:    "连接已中断",
			Suggestion: "重新建立隧道连接",
			Retryable:  true,
		})
	}

	// 其他网络错误
	if errors.As(err, &netErr) || strings.Contains(lower, "network unreachable") ||
		strings.Contains(lower, "no route to host") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-NET-OTHER",
			Category:   CategoryNetwork,
			Message:    "网络错误",
			Suggestion: "检查网络连通性",
			Retryable:  true,
		})
	}

	// 资源耗尽
	if strings.Contains(lower, "pool exhausted") || strings.Contains(lower, "too many") ||
		strings.Contains(lower, "resource exhausted") || strings.Contains(lower, "buffer full") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-RES-EXHAUSTED",
			Category:   CategoryResource,
			Message:    "资源已耗尽",
			Suggestion: "等待现有请求完成后重试",
			Retryable:  true,
		})
	}

	// 配置错误
	if strings.Contains(lower, "config") || strings.Contains(lower, "invalid argument") ||
		strings.Contains(lower, "missing required") {
		return wrap(err, ctx, &CategorizedError{
			Code:       "E-CFG-INVALID",
			Category:   CategoryConfiguration,
			Message:    fmt.Sprintf("配置错误: %s", msg),
			Suggestion: "修正配置后重新提交，该类错误不会自动重试",
			Retryable:  false,
		})
	}

	return wrap(err, ctx, &CategorizedError{
		Code:      "E-UNKNOWN",
		Category:  CategoryUnknown,
		Message:   msg,
		Retryable: false,
	})
}

func wrap(cause error, ctx Context, ce *CategorizedError) *CategorizedError {
	ce.cause = cause
	ce.RequestID = ctx.RequestID
	return ce
}

// NewResource 创建资源类错误（回压信号）
func NewResource(code, message, suggestion string, retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Code:       code,
		Category:   CategoryResource,
		Message:    message,
		Suggestion: suggestion,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewConfig 创建配置类错误
func NewConfig(code, message string) *CategorizedError {
	return &CategorizedError{
		Code:       code,
		Category:   CategoryConfiguration,
		Message:    message,
		Suggestion: "修正配置后重新提交，该类错误不会自动重试",
		Retryable:  false,
	}
}

// NewServer 创建服务器类错误
func NewServer(code, message, suggestion string) *CategorizedError {
	return &CategorizedError{
		Code:       code,
		Category:   CategoryServer,
		Message:    message,
		Suggestion: suggestion,
		Retryable:  true,
	}
}

// NewNetwork 创建网络类错误
func NewNetwork(code, message string) *CategorizedError {
	return &CategorizedError{
		Code:      code,
		Category:  CategoryNetwork,
		Message:   message,
		Retryable: true,
	}
}
