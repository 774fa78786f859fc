package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/errs"
	"mbridge/relay/internal/ratelimit"
	"mbridge/relay/internal/recovery"
	"mbridge/relay/internal/transport"
)

// fakeCreds 固定令牌的凭证来源
type fakeCreds struct {
	tokenErr     error
	refreshCalls int
}

func (f *fakeCreds) Token(ctx context.Context, identity string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "token-" + identity, nil
}

func (f *fakeCreds) Refresh(ctx context.Context, identity string) error {
	f.refreshCalls++
	return nil
}

// pipeCarrier 测试用内存承载
type pipeCarrier struct {
	net.Conn
}

func (p *pipeCarrier) RemoteAddr() string { return "pipe" }

// fakeDialer 内存拨号器，每次拨号启动一个极简对端
type fakeDialer struct {
	dialErr    error
	rejectAuth bool
	dialCount  int
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (transport.Carrier, error) {
	d.dialCount++
	if d.dialErr != nil {
		return nil, d.dialErr
	}

	local, remote := net.Pipe()
	go d.serve(remote)
	return &pipeCarrier{Conn: local}, nil
}

// serve 响应认证与保活，吞掉其余帧
func (d *fakeDialer) serve(conn net.Conn) {
	defer conn.Close()
	for {
		f := &transport.Frame{}
		if _, err := f.ReadFrom(conn); err != nil {
			return
		}
		switch f.Type {
		case transport.FrameTypeAuth:
			reply := transport.FrameTypeAuthOK
			if d.rejectAuth {
				reply = transport.FrameTypeAuthErr
			}
			if _, err := transport.NewFrame(reply, 0, nil).WriteTo(conn); err != nil {
				return
			}
		case transport.FrameTypePing:
			if _, err := transport.NewFrame(transport.FrameTypePong, 0, f.Payload).WriteTo(conn); err != nil {
				return
			}
		}
	}
}

func poolConfig(t *testing.T) *config.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.Pool.MaxConnsPerIdentity = 2
	cfg.Pool.MaxChannelsPerConn = 4
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestPool(t *testing.T, m *config.Manager, d transport.Dialer) *Pool {
	t.Helper()
	p := NewPool(m, d, ratelimit.NewLimiter(m), recovery.NewBreakerGroup(m), &fakeCreds{}, nil)
	t.Cleanup(p.CloseAll)
	return p
}

// lookup 按连接ID取回连接对象，仅测试内部使用
func lookup(t *testing.T, p *Pool, connID string) *TunnelConnection {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	tc := p.byID[connID]
	if tc == nil {
		t.Fatalf("connection %s not found in pool", connID)
	}
	return tc
}

func TestAcquireEstablishesConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, poolConfig(t), d)

	ch, connID, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if st, ok := p.ConnState(connID); !ok || st != StateEstablished {
		t.Errorf("expected ESTABLISHED, got %s (known=%v)", st, ok)
	}
	if p.ConnCount("client-a") != 1 {
		t.Errorf("expected 1 connection, got %d", p.ConnCount("client-a"))
	}

	p.ReleaseChannel(connID, ch, false)
}

// 同一标识的后续请求复用既有连接
func TestAcquireReusesConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, poolConfig(t), d)

	_, conn1, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err != nil {
		t.Fatal(err)
	}
	_, conn2, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err != nil {
		t.Fatal(err)
	}

	if conn1 != conn2 {
		t.Error("second acquire should reuse the existing connection")
	}
	if d.dialCount != 1 {
		t.Errorf("expected 1 dial, got %d", d.dialCount)
	}
}

// 连接与通道双饱和时返回资源类错误，池内不重试
func TestAcquirePoolExhausted(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.Pool.MaxConnsPerIdentity = 1
	cfg.Pool.MaxChannelsPerConn = 1
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDialer{}
	p := newTestPool(t, m, d)

	if _, _, err := p.AcquireChannel(context.Background(), "client-a", "model:9000"); err != nil {
		t.Fatal(err)
	}

	_, _, err = p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	ce, ok := errs.As(err)
	if !ok {
		t.Fatalf("pool must return categorized errors, got %T", err)
	}
	if ce.Category != errs.CategoryResource {
		t.Errorf("expected resource category, got %s", ce.Category)
	}
	if ce.RetryAfter <= 0 {
		t.Error("exhaustion error must carry a retry-after hint")
	}
	if d.dialCount != 1 {
		t.Errorf("pool must not retry internally, dials=%d", d.dialCount)
	}
}

func TestAcquireRateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.RateLimit.RequestsPerWindow = 1
	cfg.RateLimit.BurstAllowance = 0
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPool(t, m, &fakeDialer{})

	if _, _, err := p.AcquireChannel(context.Background(), "client-a", "model:9000"); err != nil {
		t.Fatal(err)
	}

	_, _, err = p.AcquireChannel(context.Background(), "client-a", "model:9000")
	ce, ok := errs.As(err)
	if !ok || ce.Code != "E-RES-THROTTLED" {
		t.Fatalf("expected E-RES-THROTTLED, got %v", err)
	}
}

// 每次获取分配请求ID并带回到分类错误中
func TestAcquireAttachesRequestID(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.Pool.MaxConnsPerIdentity = 1
	cfg.Pool.MaxChannelsPerConn = 1
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPool(t, m, &fakeDialer{})

	if _, _, err := p.AcquireChannel(context.Background(), "client-a", "model:9000"); err != nil {
		t.Fatal(err)
	}

	_, _, err1 := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	_, _, err2 := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	ce1, _ := errs.As(err1)
	ce2, _ := errs.As(err2)
	if ce1 == nil || ce1.RequestID == "" {
		t.Fatal("failed acquire must carry a request id")
	}
	if ce2 == nil || ce1.RequestID == ce2.RequestID {
		t.Error("each acquire must get its own request id")
	}
}

// 连续拨号失败触发熔断，后续请求被短路且不再拨号
func TestAcquireBreakerShortCircuit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.Breaker.FailureThreshold = 3
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDialer{dialErr: errors.New("dial tcp: connection refused")}
	p := newTestPool(t, m, d)

	for i := 0; i < 3; i++ {
		if _, _, err := p.AcquireChannel(context.Background(), "client-a", "model:9000"); err == nil {
			t.Fatal("expected dial failure")
		}
	}
	dials := d.dialCount

	_, _, err = p.AcquireChannel(context.Background(), "client-a", "model:9000")
	ce, ok := errs.As(err)
	if !ok || ce.Code != "E-SRV-BREAKER-OPEN" {
		t.Fatalf("expected E-SRV-BREAKER-OPEN, got %v", err)
	}
	if d.dialCount != dials {
		t.Error("short-circuited acquire must not dial")
	}
}

// 半开试探因本地资源耗尽失败时必须归还试探名额，熔断器不得卡死
func TestBreakerProbeSurvivesPoolExhaustion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.PingInterval = config.Duration(time.Minute)
	cfg.Pool.MaxConnsPerIdentity = 1
	cfg.Pool.MaxChannelsPerConn = 1
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.ReopenTimeout = config.Duration(time.Second)
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPool(t, m, &fakeDialer{})

	// 占满连接池
	if _, _, err := p.AcquireChannel(context.Background(), "client-a", "model:9000"); err != nil {
		t.Fatal(err)
	}

	// 人为触发熔断并等过重开超时
	cb := p.breakers.Get("model:9000")
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != recovery.StateOpen {
		t.Fatalf("expected OPEN, got %s", cb.State())
	}
	time.Sleep(1100 * time.Millisecond)

	// 试探被放行，但池已饱和，以资源类错误失败
	_, _, err = p.AcquireChannel(context.Background(), "client-a", "model:9000")
	ce, _ := errs.As(err)
	if ce == nil || ce.Code != "E-RES-POOL-EXHAUSTED" {
		t.Fatalf("expected E-RES-POOL-EXHAUSTED, got %v", err)
	}

	// 名额已归还：下一次请求必须再次放行试探，而不是永久短路
	_, _, err = p.AcquireChannel(context.Background(), "client-a", "model:9000")
	ce, _ = errs.As(err)
	if ce == nil || ce.Code != "E-RES-POOL-EXHAUSTED" {
		t.Fatalf("breaker must admit a new probe after relinquish, got %v", err)
	}
}

func TestAcquireAuthRejected(t *testing.T) {
	d := &fakeDialer{rejectAuth: true}
	p := newTestPool(t, poolConfig(t), d)

	_, _, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	ce, ok := errs.As(err)
	if !ok {
		t.Fatalf("expected categorized error, got %v", err)
	}
	if ce.Category != errs.CategoryAuthentication {
		t.Errorf("expected authentication category, got %s", ce.Category)
	}
	if p.ConnCount("client-a") != 0 {
		t.Error("failed connection must not remain in the pool")
	}
}

// 通道连续失败使连接降级，成功后恢复
func TestConnectionDegradedAndRecovered(t *testing.T) {
	m := poolConfig(t)
	p := newTestPool(t, m, &fakeDialer{})

	ch, connID, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err != nil {
		t.Fatal(err)
	}

	threshold := m.Current().Pool.DegradedThreshold
	for i := 0; i < threshold; i++ {
		p.ReleaseChannel(connID, nil, true)
	}
	if st, _ := p.ConnState(connID); st != StateDegraded {
		t.Fatalf("expected DEGRADED after %d failures, got %s", threshold, st)
	}

	p.ReleaseChannel(connID, ch, false)
	if st, _ := p.ConnState(connID); st != StateEstablished {
		t.Errorf("expected recovery to ESTABLISHED, got %s", st)
	}
}

// 未知连接ID的归还不记账也不崩溃
func TestReleaseUnknownConn(t *testing.T) {
	p := newTestPool(t, poolConfig(t), &fakeDialer{})
	p.ReleaseChannel("no-such-conn", nil, true)
}

func TestRedialReplacesFailedConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, poolConfig(t), d)

	_, connID, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err != nil {
		t.Fatal(err)
	}
	lookup(t, p, connID).transition(StateFailed)

	if err := p.Redial(context.Background(), "client-a", "model:9000"); err != nil {
		t.Fatalf("redial failed: %v", err)
	}
	if p.ConnCount("client-a") != 1 {
		t.Errorf("expected 1 live connection after redial, got %d", p.ConnCount("client-a"))
	}
}

func TestCloseAll(t *testing.T) {
	p := newTestPool(t, poolConfig(t), &fakeDialer{})

	_, connID, err := p.AcquireChannel(context.Background(), "client-a", "model:9000")
	if err != nil {
		t.Fatal(err)
	}
	tc := lookup(t, p, connID)

	p.CloseAll()
	if tc.State() != StateClosed {
		t.Errorf("expected CLOSED after CloseAll, got %s", tc.State())
	}
	if p.ConnCount("client-a") != 0 {
		t.Error("pool must be empty after CloseAll")
	}
	if _, ok := p.ConnState(connID); ok {
		t.Error("closed connection must not resolve by id")
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to ConnState
		ok       bool
	}{
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateEstablished, true},
		{StateEstablished, StateDegraded, true},
		{StateDegraded, StateEstablished, true},
		{StateEstablished, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateConnecting, StateFailed, true},
		{StateClosed, StateEstablished, false},
		{StateFailed, StateConnecting, false},
		{StateConnecting, StateEstablished, false},
	}

	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
