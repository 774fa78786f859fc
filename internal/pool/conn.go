package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"mbridge/relay/internal/transport"

	"github.com/google/uuid"
)

// ConnState 隧道连接状态
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateEstablished
	StateDegraded
	StateClosing
	StateClosed
	StateFailed
)

// String 返回连接状态名称
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateDegraded:
		return "DEGRADED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// terminal 是否为终态
func (s ConnState) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// validTransition 状态迁移合法性
func validTransition(from, to ConnState) bool {
	if from.terminal() {
		return false
	}
	// 任何非终态都可进入FAILED
	if to == StateFailed {
		return true
	}
	switch from {
	case StateConnecting:
		return to == StateAuthenticating || to == StateClosing
	case StateAuthenticating:
		return to == StateEstablished || to == StateClosing
	case StateEstablished:
		return to == StateDegraded || to == StateClosing
	case StateDegraded:
		return to == StateEstablished || to == StateClosing
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// TunnelConnection 池中的单条隧道连接
//
// 连接状态只归池所有，池外只流通连接ID，经池解析回本对象。
type TunnelConnection struct {
	id       string
	identity string
	endpoint string

	session *transport.Session

	state        atomic.Int32
	consecFails  atomic.Int32
	lastActivity atomic.Int64 // UnixNano
	createdAt    time.Time

	mu sync.Mutex
}

// newTunnelConnection 创建连接记录，初始为CONNECTING
func newTunnelConnection(identity, endpoint string) *TunnelConnection {
	tc := &TunnelConnection{
		id:        uuid.New().String(),
		identity:  identity,
		endpoint:  endpoint,
		createdAt: time.Now(),
	}
	tc.state.Store(int32(StateConnecting))
	tc.touch()
	return tc
}

// State 当前状态
func (tc *TunnelConnection) State() ConnState {
	return ConnState(tc.state.Load())
}

// transition 尝试状态迁移，非法迁移返回false
func (tc *TunnelConnection) transition(to ConnState) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	from := ConnState(tc.state.Load())
	if !validTransition(from, to) {
		return false
	}
	tc.state.Store(int32(to))
	return true
}

// touch 更新活动时间
func (tc *TunnelConnection) touch() {
	tc.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity 最近活动时间
func (tc *TunnelConnection) LastActivity() time.Time {
	return time.Unix(0, tc.lastActivity.Load())
}

// ChannelCount 当前通道数
func (tc *TunnelConnection) ChannelCount() int {
	if tc.session == nil {
		return 0
	}
	return tc.session.ChannelCount()
}

// usable 是否可承载新通道
func (tc *TunnelConnection) usable() bool {
	s := tc.State()
	return (s == StateEstablished || s == StateDegraded) && tc.session != nil && tc.session.Err() == nil
}

// recordChannelFailure 记录通道级失败，连续失败到阈值进入DEGRADED
func (tc *TunnelConnection) recordChannelFailure(threshold int) {
	fails := tc.consecFails.Add(1)
	if int(fails) >= threshold && tc.State() == StateEstablished {
		tc.transition(StateDegraded)
	}
}

// recordChannelSuccess 记录通道级成功，降级连接恢复
func (tc *TunnelConnection) recordChannelSuccess() {
	tc.consecFails.Store(0)
	if tc.State() == StateDegraded {
		tc.transition(StateEstablished)
	}
}

// close 关闭底层会话并走向终态
func (tc *TunnelConnection) close() {
	if tc.transition(StateClosing) {
		if tc.session != nil {
			tc.session.Close()
		}
		tc.transition(StateClosed)
		return
	}
	// 已经FAILED或CLOSED，仅确保会话释放
	if tc.session != nil {
		tc.session.Close()
	}
}

// Info 连接信息快照
func (tc *TunnelConnection) Info() map[string]interface{} {
	info := map[string]interface{}{
		"id":            tc.id,
		"identity":      tc.identity,
		"endpoint":      tc.endpoint,
		"state":         tc.State().String(),
		"channels":      tc.ChannelCount(),
		"created_at":    tc.createdAt,
		"last_activity": tc.LastActivity(),
	}
	if tc.session != nil {
		info["bytes_sent"] = tc.session.BytesSent()
		info["bytes_received"] = tc.session.BytesReceived()
	}
	return info
}
