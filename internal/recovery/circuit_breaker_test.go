package recovery

import (
	"sync"
	"testing"
	"time"

	"mbridge/relay/internal/config"
)

func newTestManager(t *testing.T) *config.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.ReopenTimeout = config.Duration(1 * time.Second)
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// 连续5次失败（阈值=5）后第6次请求立即短路
func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatalf("attempt %d should be allowed while CLOSED", i+1)
		}
		cb.RecordFailure()
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("6th attempt must short-circuit without a network call")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, state=%s", cb.State())
	}
}

// 重开超时后恰好放行一次试探
func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("should be OPEN")
	}

	time.Sleep(1100 * time.Millisecond)

	allowed := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("exactly one probe must be allowed in HALF_OPEN, got %d", allowed)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", cb.State())
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(1100 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe should be allowed")
	}
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after probe success, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("requests should flow after recovery")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(1100 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe should be allowed")
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after probe failure, got %s", cb.State())
	}
	// 超时重新计时，立即的请求仍被短路
	if cb.Allow() {
		t.Error("reopen timeout must restart after a failed probe")
	}
}

// 试探未触达上游时归还名额，后续请求可再次试探
func TestBreakerProbeRelinquish(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(1100 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe should be allowed after the reopen timeout")
	}
	cb.RelinquishProbe()

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after relinquish, got %s", cb.State())
	}
	// 重开超时未重新计时，下一次请求立即获得新的试探名额
	if !cb.Allow() {
		t.Error("a new probe must be admitted after relinquish")
	}
}

// 非半开状态下归还名额是空操作
func TestBreakerRelinquishOutsideHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("10.0.0.1:9000", newTestManager(t))

	cb.RelinquishProbe()
	if cb.State() != StateClosed {
		t.Errorf("relinquish while CLOSED must not change state, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("CLOSED breaker must keep admitting requests")
	}
}

// 并发调用不得破坏失败计数
func TestBreakerConcurrentRecordFailure(t *testing.T) {
	m := newTestManager(t)
	cb := NewCircuitBreaker("10.0.0.1:9000", m)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure()
		}()
	}
	wg.Wait()

	if cb.State() != StateOpen {
		t.Errorf("expected OPEN after 50 concurrent failures, got %s", cb.State())
	}
}

func TestBreakerGroupSharedInstance(t *testing.T) {
	g := NewBreakerGroup(newTestManager(t))

	a := g.Get("upstream-a:9000")
	b := g.Get("upstream-a:9000")
	if a != b {
		t.Error("same endpoint must share one breaker")
	}
	if g.Get("upstream-b:9000") == a {
		t.Error("different endpoints must not share breakers")
	}
}

// 阈值热更新在下一次决策点生效
func TestBreakerThresholdHotReload(t *testing.T) {
	m := newTestManager(t)
	cb := NewCircuitBreaker("10.0.0.1:9000", m)

	if _, err := m.Update([]byte(`{"breaker":{"failure_threshold":2}}`)); err != nil {
		t.Fatal(err)
	}

	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("expected new threshold 2 to apply, state=%s", cb.State())
	}
}
