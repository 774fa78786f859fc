package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"mbridge/relay/internal/config"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// QUICDialer QUIC承载拨号器
//
// 所有帧经由单条有序双向流传输，复用语义由上层会话提供。
type QUICDialer struct {
	cfg       *config.Manager
	tlsConfig *tls.Config
	logger    *zap.Logger
}

// NewQUICDialer 创建QUIC拨号器
func NewQUICDialer(cfg *config.Manager) *QUICDialer {
	return &QUICDialer{
		cfg: cfg,
		tlsConfig: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"mbridge-relay-v1"},
		},
		logger: zap.L().Named("quic-dialer"),
	}
}

// Dial 建立QUIC连接并打开双向流
func (d *QUICDialer) Dial(ctx context.Context, endpoint string) (Carrier, error) {
	tc := d.cfg.Current().Transport

	dialCtx, cancel := context.WithTimeout(ctx, tc.ConnectTimeout.D())
	defer cancel()

	quicConfig := &quic.Config{
		MaxIdleTimeout:       d.cfg.Current().Pool.IdleTimeout.D(),
		KeepAlivePeriod:      tc.PingInterval.D(),
		HandshakeIdleTimeout: tc.HandshakeTimeout.D(),
	}

	d.logger.Debug("QUIC连接中", zap.String("endpoint", endpoint))

	conn, err := quic.DialAddr(dialCtx, endpoint, d.tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC连接失败: %w", err)
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("打开流失败: %w", err)
	}

	return &quicCarrier{conn: conn, stream: stream}, nil
}

// quicCarrier QUIC单流承载
type quicCarrier struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicCarrier) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicCarrier) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicCarrier) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "session closing")
}

func (c *quicCarrier) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
