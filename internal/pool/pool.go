package pool

import (
	"context"
	"sync"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/errs"
	"mbridge/relay/internal/metrics"
	"mbridge/relay/internal/ratelimit"
	"mbridge/relay/internal/recovery"
	"mbridge/relay/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CredentialSource 连接认证的凭证来源
type CredentialSource interface {
	// Token 获取指定标识当前的认证令牌
	Token(ctx context.Context, identity string) (string, error)
	// Refresh 强制刷新指定标识的令牌
	Refresh(ctx context.Context, identity string) error
}

// Pool 隧道连接池
//
// 按客户端标识复用隧道连接，受每标识连接数与每连接通道数上限
// 约束。获取通道依次经过限流准入与熔断门控，所有失败以分类
// 错误返回且从不在池内自动重试。连接对象只归池所有，调用方
// 持有连接ID，经池解析。
type Pool struct {
	cfg      *config.Manager
	dialer   transport.Dialer
	limiter  *ratelimit.Limiter
	breakers *recovery.BreakerGroup
	creds    CredentialSource
	metrics  *metrics.Collector

	mu    sync.Mutex
	conns map[string][]*TunnelConnection // identity -> connections
	byID  map[string]*TunnelConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewPool 创建连接池
func NewPool(cfg *config.Manager, dialer transport.Dialer, limiter *ratelimit.Limiter,
	breakers *recovery.BreakerGroup, creds CredentialSource, collector *metrics.Collector) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		dialer:   dialer,
		limiter:  limiter,
		breakers: breakers,
		creds:    creds,
		metrics:  collector,
		conns:    make(map[string][]*TunnelConnection),
		byID:     make(map[string]*TunnelConnection),
		ctx:      ctx,
		cancel:   cancel,
		logger:   zap.L().Named("pool"),
	}
}

// AcquireChannel 为一次转发请求获取通道
//
// 返回通道与承载它的连接ID。失败时返回携带请求ID的分类错误
// 供调用方决定恢复策略，池本身不重试。
func (p *Pool) AcquireChannel(ctx context.Context, identity, endpoint string) (*transport.Channel, string, error) {
	reqID := uuid.New().String()
	start := time.Now()

	ch, conn, err := p.acquire(ctx, reqID, identity, endpoint)
	duration := time.Since(start)

	var ce *errs.CategorizedError
	if err != nil {
		ce, _ = errs.As(err)
		if ce != nil {
			if ce.RequestID == "" {
				ce.RequestID = reqID
			}
			p.logger.Warn("获取通道失败",
				zap.String("request_id", reqID),
				zap.String("identity", identity),
				zap.String("endpoint", endpoint),
				zap.String("category", string(ce.Category)),
				zap.Duration("duration", duration))
		}
	}
	if p.metrics != nil {
		p.metrics.RecordRequest(identity, endpoint, reqID, duration, ce)
	}
	if err != nil {
		return nil, "", err
	}
	return ch, conn.id, nil
}

func (p *Pool) acquire(ctx context.Context, reqID, identity, endpoint string) (*transport.Channel, *TunnelConnection, error) {
	// 限流准入
	if ok, retryAfter := p.limiter.TryAdmit(identity); !ok {
		return nil, nil, errs.NewResource("E-RES-THROTTLED",
			"请求超出该标识的速率限额",
			"降低请求速率或等待窗口滑动", retryAfter)
	}

	// 熔断门控
	cb := p.breakers.Get(endpoint)
	if !cb.Allow() {
		return nil, nil, errs.NewServer("E-SRV-BREAKER-OPEN",
			"目标处于熔断状态，请求被短路",
			"等待熔断器重开超时后自动试探")
	}

	conn, err := p.pickOrDial(ctx, reqID, identity, endpoint)
	if err != nil {
		recordBreaker(cb, err)
		return nil, nil, err
	}

	ch, err := conn.session.OpenChannel(ctx)
	if err != nil {
		conn.recordChannelFailure(p.cfg.Current().Pool.DegradedThreshold)
		ce := errs.Categorize(err, errs.Context{Identity: identity, Endpoint: endpoint, Op: "open channel", RequestID: reqID})
		recordBreaker(cb, ce)
		return nil, nil, ce
	}

	conn.touch()
	cb.RecordSuccess()
	return ch, conn, nil
}

// recordBreaker 向熔断器上报失败
//
// 本地资源耗尽不计入目标失败，只有触达上游的错误才推动熔断；
// 若本次请求占用了半开试探名额，必须归还，否则熔断器永久卡死。
func recordBreaker(cb *recovery.CircuitBreaker, err error) {
	if ce, ok := errs.As(err); ok && ce.Category == errs.CategoryResource {
		cb.RelinquishProbe()
		return
	}
	cb.RecordFailure()
}

// pickOrDial 复用既有连接或在上限内新建
func (p *Pool) pickOrDial(ctx context.Context, reqID, identity, endpoint string) (*TunnelConnection, error) {
	pc := p.cfg.Current().Pool

	p.mu.Lock()
	p.pruneLocked(identity)

	// 优先复用有余量的连接，取负载最低者
	var best *TunnelConnection
	for _, tc := range p.conns[identity] {
		if tc.endpoint != endpoint || !tc.usable() {
			continue
		}
		if tc.ChannelCount() >= pc.MaxChannelsPerConn {
			continue
		}
		if best == nil || tc.ChannelCount() < best.ChannelCount() {
			best = tc
		}
	}
	if best != nil {
		p.mu.Unlock()
		return best, nil
	}

	if len(p.conns[identity]) >= pc.MaxConnsPerIdentity {
		p.mu.Unlock()
		return nil, errs.NewResource("E-RES-POOL-EXHAUSTED",
			"该标识的连接与通道均已饱和",
			"等待在途请求完成后重试", p.cfg.Current().Recovery.ResourceWait.D())
	}

	// 先占位再拨号，避免并发突破连接上限
	tc := newTunnelConnection(identity, endpoint)
	p.conns[identity] = append(p.conns[identity], tc)
	p.byID[tc.id] = tc
	p.mu.Unlock()

	if err := p.establish(ctx, reqID, tc); err != nil {
		p.remove(tc)
		return nil, err
	}
	return tc, nil
}

// establish 完成拨号与认证
func (p *Pool) establish(ctx context.Context, reqID string, tc *TunnelConnection) error {
	tctx := errs.Context{Identity: tc.identity, Endpoint: tc.endpoint, Op: "dial", RequestID: reqID}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Current().Transport.ConnectTimeout.D())
	defer cancel()

	carrier, err := p.dialer.Dial(dialCtx, tc.endpoint)
	if err != nil {
		tc.transition(StateFailed)
		return errs.Categorize(err, tctx)
	}

	tc.transition(StateAuthenticating)
	session := transport.NewSession(carrier, p.cfg)

	token, err := p.creds.Token(ctx, tc.identity)
	if err != nil {
		session.Close()
		tc.transition(StateFailed)
		tctx.Op = "credentials"
		return errs.Categorize(err, tctx)
	}

	authCtx, cancelAuth := context.WithTimeout(ctx, p.cfg.Current().Transport.HandshakeTimeout.D())
	defer cancelAuth()

	if err := session.Authenticate(authCtx, tc.identity, token); err != nil {
		session.Close()
		tc.transition(StateFailed)
		tctx.Op = "authenticate"
		return errs.Categorize(err, tctx)
	}

	tc.session = session
	tc.transition(StateEstablished)
	p.logger.Info("隧道连接已建立",
		zap.String("conn_id", tc.id),
		zap.String("identity", tc.identity),
		zap.String("endpoint", tc.endpoint))
	return nil
}

// ReleaseChannel 按连接ID归还通道并记录结果
//
// 未知的连接ID（已被回收）只做通道关闭，不再记账。
func (p *Pool) ReleaseChannel(connID string, ch *transport.Channel, failed bool) {
	p.mu.Lock()
	tc := p.byID[connID]
	p.mu.Unlock()

	if ch != nil {
		if tc != nil && p.metrics != nil {
			p.metrics.RecordBytes(tc.identity, tc.endpoint, ch.BytesIn(), ch.BytesOut())
		}
		ch.Close()
	}
	if tc == nil {
		return
	}
	tc.touch()
	if failed {
		tc.recordChannelFailure(p.cfg.Current().Pool.DegradedThreshold)
	} else {
		tc.recordChannelSuccess()
	}
}

// ConnState 按连接ID查询当前状态
func (p *Pool) ConnState(connID string) (ConnState, bool) {
	p.mu.Lock()
	tc := p.byID[connID]
	p.mu.Unlock()
	if tc == nil {
		return StateClosed, false
	}
	return tc.State(), true
}

// Redial 丢弃该标识到目标的失效连接并重新建立一条
func (p *Pool) Redial(ctx context.Context, identity, endpoint string) error {
	p.closeMatching(identity, endpoint, func(tc *TunnelConnection) bool {
		return !tc.usable()
	})

	p.mu.Lock()
	tc := newTunnelConnection(identity, endpoint)
	p.conns[identity] = append(p.conns[identity], tc)
	p.byID[tc.id] = tc
	p.mu.Unlock()

	if err := p.establish(ctx, uuid.New().String(), tc); err != nil {
		p.remove(tc)
		return err
	}
	return nil
}

// Renegotiate 关闭该标识到目标的全部连接后重连
func (p *Pool) Renegotiate(ctx context.Context, identity, endpoint string) error {
	p.closeMatching(identity, endpoint, func(*TunnelConnection) bool { return true })
	return p.Redial(ctx, identity, endpoint)
}

// closeMatching 关闭满足条件的连接并从池中移除
func (p *Pool) closeMatching(identity, endpoint string, match func(*TunnelConnection) bool) {
	p.mu.Lock()
	var victims []*TunnelConnection
	kept := p.conns[identity][:0]
	for _, tc := range p.conns[identity] {
		if tc.endpoint == endpoint && match(tc) {
			victims = append(victims, tc)
			delete(p.byID, tc.id)
			continue
		}
		kept = append(kept, tc)
	}
	p.conns[identity] = kept
	p.mu.Unlock()

	for _, tc := range victims {
		tc.close()
	}
}

// remove 从池中移除单条连接
func (p *Pool) remove(victim *TunnelConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.conns[victim.identity][:0]
	for _, tc := range p.conns[victim.identity] {
		if tc != victim {
			kept = append(kept, tc)
		}
	}
	p.conns[victim.identity] = kept
	delete(p.byID, victim.id)
}

// pruneLocked 清理已终态的连接，调用方必须持有p.mu
func (p *Pool) pruneLocked(identity string) {
	kept := p.conns[identity][:0]
	for _, tc := range p.conns[identity] {
		if tc.State().terminal() || (tc.session != nil && tc.session.Err() != nil) {
			delete(p.byID, tc.id)
			continue
		}
		kept = append(kept, tc)
	}
	p.conns[identity] = kept
}

// StartJanitor 启动空闲连接回收循环
//
// 扫描间隔每轮从配置读取，热更新下一轮生效。
func (p *Pool) StartJanitor() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			timer := time.NewTimer(p.cfg.Current().Pool.EvictInterval.D())
			select {
			case <-p.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				p.evictIdle()
			}
		}
	}()
}

// evictIdle 回收超过空闲阈值且无在途通道的连接
func (p *Pool) evictIdle() {
	idle := p.cfg.Current().Pool.IdleTimeout.D()
	cutoff := time.Now().Add(-idle)

	p.mu.Lock()
	var victims []*TunnelConnection
	for identity := range p.conns {
		kept := p.conns[identity][:0]
		for _, tc := range p.conns[identity] {
			if tc.ChannelCount() == 0 && tc.LastActivity().Before(cutoff) {
				victims = append(victims, tc)
				delete(p.byID, tc.id)
				continue
			}
			kept = append(kept, tc)
		}
		p.conns[identity] = kept
	}
	p.mu.Unlock()

	for _, tc := range victims {
		tc.close()
	}
	if len(victims) > 0 {
		p.logger.Info("回收空闲连接", zap.Int("evicted", len(victims)))
	}
}

// CloseAll 关闭全部连接并停止后台任务
func (p *Pool) CloseAll() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	var all []*TunnelConnection
	for identity, conns := range p.conns {
		all = append(all, conns...)
		delete(p.conns, identity)
	}
	for id := range p.byID {
		delete(p.byID, id)
	}
	p.mu.Unlock()

	for _, tc := range all {
		tc.close()
	}
	p.logger.Info("连接池已关闭", zap.Int("closed", len(all)))
}

// ConnCount 指定标识当前的连接数
func (p *Pool) ConnCount(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[identity])
}

// Stats 连接池统计
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	perIdentity := make(map[string]int)
	var conns []map[string]interface{}
	for identity, list := range p.conns {
		perIdentity[identity] = len(list)
		total += len(list)
		for _, tc := range list {
			conns = append(conns, tc.Info())
		}
	}
	return map[string]interface{}{
		"total_connections": total,
		"per_identity":      perIdentity,
		"connections":       conns,
	}
}
