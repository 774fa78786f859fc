package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mbridge/relay/internal/config"
)

var (
	ErrCarrierClosed = errors.New("carrier已关闭")
	ErrAuthRejected  = errors.New("authentication failed: 服务端拒绝凭证")
)

// Carrier 承载帧流的底层连接
//
// 实现必须保证帧的有序字节流语义；WebSocket与QUIC各提供一种实现。
type Carrier interface {
	io.ReadWriteCloser

	// RemoteAddr 对端地址描述
	RemoteAddr() string
}

// Dialer 建立到指定目标的承载连接
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Carrier, error)
}

// NewDialer 按配置选择承载协议
func NewDialer(cfg *config.Manager) (Dialer, error) {
	switch cfg.Current().Transport.Carrier {
	case "ws":
		return NewWSDialer(cfg), nil
	case "quic":
		return NewQUICDialer(cfg), nil
	default:
		return nil, fmt.Errorf("不支持的承载协议: %s", cfg.Current().Transport.Carrier)
	}
}
