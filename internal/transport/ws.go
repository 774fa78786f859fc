package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"mbridge/relay/internal/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSDialer WebSocket承载拨号器
type WSDialer struct {
	cfg    *config.Manager
	logger *zap.Logger
}

// NewWSDialer 创建WebSocket拨号器
func NewWSDialer(cfg *config.Manager) *WSDialer {
	return &WSDialer{
		cfg:    cfg,
		logger: zap.L().Named("ws-dialer"),
	}
}

// Dial 建立WebSocket连接
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Carrier, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("无效的URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "ws"
	}

	tc := d.cfg.Current().Transport
	dialer := websocket.Dialer{
		HandshakeTimeout: tc.HandshakeTimeout.D(),
	}

	d.logger.Debug("WebSocket连接中", zap.String("url", u.String()))

	dialCtx, cancel := context.WithTimeout(ctx, tc.ConnectTimeout.D())
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket连接失败: %w", err)
	}

	return &wsCarrier{conn: conn}, nil
}

// wsCarrier 将WebSocket二进制消息流适配为字节流
//
// 每次Write发出一条完整的二进制消息；Read跨消息边界连续消费。
type wsCarrier struct {
	conn *websocket.Conn

	readBuf []byte
	readMu  sync.Mutex
	writeMu sync.Mutex
}

func (c *wsCarrier) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.readBuf = data
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsCarrier) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsCarrier) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *wsCarrier) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
