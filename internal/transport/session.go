package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"mbridge/relay/internal/config"

	"go.uber.org/zap"
)

var (
	ErrSessionClosed   = errors.New("会话已关闭")
	ErrChannelClosed   = errors.New("通道已关闭")
	ErrTooManyChannels = errors.New("too many channels: 超出单连接通道上限")
)

// Session 承载连接上的多路复用会话
//
// 在单条Carrier上承载多个逻辑通道，每个通道对应一次转发请求。
// 读循环负责帧分发，任一协议错误即整体关闭会话。
type Session struct {
	carrier Carrier
	cfg     *config.Manager

	nextID   atomic.Uint32
	channels map[ChannelID]*Channel
	chanMu   sync.RWMutex

	authCh chan *Frame

	writeMu sync.Mutex

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	lastPong      atomic.Int64 // UnixNano

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewSession 在已建立的承载连接上创建会话
func NewSession(carrier Carrier, cfg *config.Manager) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		carrier:  carrier,
		cfg:      cfg,
		channels: make(map[ChannelID]*Channel),
		authCh:   make(chan *Frame, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   zap.L().Named("session").With(zap.String("remote", carrier.RemoteAddr())),
	}
	s.lastPong.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.pingLoop()
	}()
	return s
}

// authRequest 认证请求负载
type authRequest struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// Authenticate 向服务端提交凭证并等待裁决
func (s *Session) Authenticate(ctx context.Context, identity, token string) error {
	payload, err := json.Marshal(authRequest{Identity: identity, Token: token})
	if err != nil {
		return fmt.Errorf("认证负载编码失败: %w", err)
	}

	if err := s.writeFrame(NewFrame(FrameTypeAuth, 0, payload)); err != nil {
		return fmt.Errorf("发送认证请求失败: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case f := <-s.authCh:
		if f.Type == FrameTypeAuthOK {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, string(f.Payload))
	}
}

// OpenChannel 打开一个新的逻辑通道
func (s *Session) OpenChannel(ctx context.Context) (*Channel, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	maxChannels := s.cfg.Current().Pool.MaxChannelsPerConn

	s.chanMu.Lock()
	if len(s.channels) >= maxChannels {
		s.chanMu.Unlock()
		return nil, ErrTooManyChannels
	}
	// 计数器回绕后可能撞上仍在使用的ID，0保留给控制帧
	var id ChannelID
	for {
		id = ChannelID(s.nextID.Add(1))
		if id == 0 {
			continue
		}
		if _, taken := s.channels[id]; !taken {
			break
		}
	}
	ch := &Channel{
		id:      id,
		session: s,
		recvCh:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	s.channels[id] = ch
	s.chanMu.Unlock()

	if err := s.writeFrame(NewFrame(FrameTypeOpen, id, nil)); err != nil {
		s.removeChannel(id)
		return nil, fmt.Errorf("打开通道失败: %w", err)
	}
	return ch, nil
}

// ChannelCount 当前打开的通道数
func (s *Session) ChannelCount() int {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	return len(s.channels)
}

// BytesSent 会话累计发送字节数
func (s *Session) BytesSent() int64 { return s.bytesSent.Load() }

// BytesReceived 会话累计接收字节数
func (s *Session) BytesReceived() int64 { return s.bytesReceived.Load() }

// Done 会话终止信号
func (s *Session) Done() <-chan struct{} { return s.done }

// Err 会话终止原因，未终止时为nil
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Close 关闭会话及全部通道
func (s *Session) Close() error {
	s.closeWith(ErrSessionClosed)
	s.wg.Wait()
	return nil
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = err

		// 先向所有通道投递网络类中断原因，再拆除承载连接
		cause := fmt.Errorf("connection reset: %w", err)
		s.chanMu.Lock()
		for id, ch := range s.channels {
			ch.abort(cause)
			delete(s.channels, id)
		}
		s.chanMu.Unlock()

		s.cancel()
		s.carrier.Close()
		close(s.done)
	})
}

// readLoop 帧读取与分发循环
func (s *Session) readLoop() {
	for {
		f := &Frame{}
		if _, err := f.ReadFrom(s.carrier); err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Debug("读取帧失败，关闭会话", zap.Error(err))
			s.closeWith(err)
			return
		}
		s.bytesReceived.Add(int64(FrameHeaderLength) + int64(f.Length))

		if err := f.Validate(); err != nil {
			s.logger.Warn("收到非法帧", zap.String("frame", f.String()), zap.Error(err))
			s.closeWith(err)
			return
		}

		switch f.Type {
		case FrameTypeData:
			s.chanMu.RLock()
			ch, ok := s.channels[f.ChannelID]
			s.chanMu.RUnlock()
			if !ok {
				// 对端在本地关闭后仍在发送，丢弃
				continue
			}
			ch.deliver(f.Payload)

		case FrameTypeClose:
			s.chanMu.RLock()
			ch, ok := s.channels[f.ChannelID]
			s.chanMu.RUnlock()
			if ok {
				ch.closeLocal()
				s.removeChannel(f.ChannelID)
			}

		case FrameTypePing:
			s.writeFrame(NewFrame(FrameTypePong, 0, f.Payload))

		case FrameTypePong:
			s.lastPong.Store(time.Now().UnixNano())

		case FrameTypeAuthOK, FrameTypeAuthErr:
			select {
			case s.authCh <- f:
			default:
			}

		case FrameTypeOpen:
			// 客户端会话不接受对端发起的通道
			s.logger.Warn("忽略对端发起的通道", zap.Uint16("channel_id", uint16(f.ChannelID)))
		}
	}
}

// pingLoop 保活循环
//
// 心跳间隔每轮从配置读取，热更新下一轮生效。
func (s *Session) pingLoop() {
	for {
		interval := s.cfg.Current().Transport.PingInterval.D()
		timer := time.NewTimer(interval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			// 两个保活周期未见Pong视为连接中断
			if time.Since(time.Unix(0, s.lastPong.Load())) > 2*interval {
				s.logger.Warn("保活超时，关闭会话")
				s.closeWith(errors.New("connection reset: 保活超时"))
				return
			}
			if err := s.writeFrame(NewFrame(FrameTypePing, 0, nil)); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeFrame(f *Frame) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tc := s.cfg.Current().Transport
	if d, ok := s.carrier.(interface{ SetWriteDeadline(time.Time) error }); ok && tc.WriteTimeout.D() > 0 {
		d.SetWriteDeadline(time.Now().Add(tc.WriteTimeout.D()))
	}

	n, err := f.WriteTo(s.carrier)
	s.bytesSent.Add(n)
	if err != nil {
		s.closeWith(err)
		return err
	}
	return nil
}

func (s *Session) removeChannel(id ChannelID) {
	s.chanMu.Lock()
	delete(s.channels, id)
	s.chanMu.Unlock()
}

// Channel 会话内的逻辑通道
type Channel struct {
	id      ChannelID
	session *Session

	recvCh  chan []byte
	readBuf []byte

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	abortErr  error // 会话中止原因，close(closed)前写入
}

// ID 通道ID
func (c *Channel) ID() ChannelID { return c.id }

// BytesIn 通道累计接收负载字节数
func (c *Channel) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut 通道累计发送负载字节数
func (c *Channel) BytesOut() int64 { return c.bytesOut.Load() }

// Read 读取对端数据
func (c *Channel) Read(p []byte) (int, error) {
	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	select {
	case data, ok := <-c.recvCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		c.readBuf = data[n:]
		return n, nil
	case <-c.closed:
		// 先排空已投递的数据
		select {
		case data := <-c.recvCh:
			n := copy(p, data)
			c.readBuf = data[n:]
			return n, nil
		default:
			if c.abortErr != nil {
				return 0, c.abortErr
			}
			return 0, io.EOF
		}
	}
}

// Write 向对端发送数据，超长负载自动分帧
func (c *Channel) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrChannelClosed
	default:
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxFrameLength {
			chunk = p[:MaxFrameLength]
		}
		if err := c.session.writeFrame(NewFrame(FrameTypeData, c.id, chunk)); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	c.bytesOut.Add(int64(total))
	return total, nil
}

// Close 关闭通道并通知对端
//
// 关闭帧必须在Once之外发送：写失败会触发会话整体关闭，其中会
// 再次本地关闭本通道，不能在Once内重入。
func (c *Channel) Close() error {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	if !first {
		return nil
	}
	err := c.session.writeFrame(NewFrame(FrameTypeClose, c.id, nil))
	c.session.removeChannel(c.id)
	return err
}

// closeLocal 仅本地关闭，不向对端发送关闭帧
func (c *Channel) closeLocal() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// abort 会话中止时关闭通道并记录中断原因
func (c *Channel) abort(err error) {
	c.closeOnce.Do(func() {
		c.abortErr = err
		close(c.closed)
	})
}

// deliver 读循环投递数据
func (c *Channel) deliver(data []byte) {
	select {
	case c.recvCh <- data:
		c.bytesIn.Add(int64(len(data)))
	case <-c.closed:
	}
}
