package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"mbridge/relay/internal/config"

	"go.uber.org/zap"
)

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// String 返回熔断器状态名称
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker 单个上游目标的熔断器
//
// OPEN期间所有新请求立即短路；重开超时后HALF_OPEN只放行唯一一次
// 试探，成功回到CLOSED，失败回到OPEN并重新计时。
// 阈值与超时在每次决策点从配置管理器读取。
type CircuitBreaker struct {
	endpoint string
	cfg      *config.Manager

	state         atomic.Int32
	failureCount  atomic.Int32
	lastFailure   atomic.Int64 // UnixNano
	lastChange    atomic.Int64 // UnixNano
	probeInFlight atomic.Bool

	totalTrips atomic.Int64

	logger *zap.Logger
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(endpoint string, cfg *config.Manager) *CircuitBreaker {
	cb := &CircuitBreaker{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   zap.L().Named("circuit-breaker").With(zap.String("endpoint", endpoint)),
	}
	cb.lastChange.Store(time.Now().UnixNano())
	return cb
}

// Allow 检查是否允许向该上游发起请求
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		reopen := cb.cfg.Current().Breaker.ReopenTimeout.D()
		elapsed := time.Since(time.Unix(0, cb.lastFailure.Load()))
		if elapsed < reopen {
			return false
		}
		// 重开超时已过，放行唯一一次试探
		if cb.probeInFlight.CompareAndSwap(false, true) {
			cb.setState(StateHalfOpen)
			cb.logger.Info("熔断器进入半开状态，放行试探请求")
			return true
		}
		return false
	case StateHalfOpen:
		// 试探已在途，其余请求继续短路
		return false
	default:
		return false
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	if CircuitBreakerState(cb.state.Load()) == StateHalfOpen {
		cb.setState(StateClosed)
		cb.failureCount.Store(0)
		cb.probeInFlight.Store(false)
		cb.logger.Info("试探成功，熔断器恢复关闭")
		return
	}
	cb.failureCount.Store(0)
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailure.Store(time.Now().UnixNano())

	if CircuitBreakerState(cb.state.Load()) == StateHalfOpen {
		cb.setState(StateOpen)
		cb.probeInFlight.Store(false)
		cb.logger.Warn("试探失败，熔断器重新开启")
		return
	}

	threshold := cb.cfg.Current().Breaker.FailureThreshold
	count := cb.failureCount.Add(1)
	if int(count) >= threshold && CircuitBreakerState(cb.state.Load()) == StateClosed {
		cb.setState(StateOpen)
		cb.totalTrips.Add(1)
		cb.logger.Warn("熔断器开启",
			zap.Int32("failure_count", count),
			zap.Int("threshold", threshold))
	}
}

// RelinquishProbe 归还半开试探名额
//
// 试探请求在触达上游前因本地原因失败时调用：不计上游失败，
// 熔断器回到OPEN，下一次重开判定重新放行试探。
func (cb *CircuitBreaker) RelinquishProbe() {
	if CircuitBreakerState(cb.state.Load()) != StateHalfOpen {
		return
	}
	cb.setState(StateOpen)
	cb.probeInFlight.Store(false)
	cb.logger.Debug("试探未触达上游，归还试探名额")
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.setState(StateClosed)
	cb.failureCount.Store(0)
	cb.probeInFlight.Store(false)
}

func (cb *CircuitBreaker) setState(next CircuitBreakerState) {
	prev := CircuitBreakerState(cb.state.Swap(int32(next)))
	if prev != next {
		cb.lastChange.Store(time.Now().UnixNano())
		cb.logger.Debug("熔断器状态变更",
			zap.String("old_state", prev.String()),
			zap.String("new_state", next.String()))
	}
}

// Stats 熔断器统计
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":      cb.endpoint,
		"state":         cb.State().String(),
		"failure_count": cb.failureCount.Load(),
		"total_trips":   cb.totalTrips.Load(),
		"last_change":   time.Unix(0, cb.lastChange.Load()),
	}
}

// BreakerGroup 按上游目标管理的熔断器组
type BreakerGroup struct {
	cfg      *config.Manager
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewBreakerGroup 创建熔断器组
func NewBreakerGroup(cfg *config.Manager) *BreakerGroup {
	return &BreakerGroup{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get 获取指定上游的熔断器，不存在则创建
func (g *BreakerGroup) Get(endpoint string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[endpoint]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[endpoint]; ok {
		return cb
	}
	cb = NewCircuitBreaker(endpoint, g.cfg)
	g.breakers[endpoint] = cb
	return cb
}

// Stats 全部熔断器统计
func (g *BreakerGroup) Stats() []map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(g.breakers))
	for _, cb := range g.breakers {
		out = append(out, cb.Stats())
	}
	return out
}
