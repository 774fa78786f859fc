package metrics

import (
	"errors"
	"testing"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/errs"

	"github.com/prometheus/client_golang/prometheus"
)

func newMetricsManager(t *testing.T) *config.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Metrics.SlowThreshold = config.Duration(10 * time.Millisecond)
	cfg.Metrics.AlertThresholdRate = 0.1
	cfg.Metrics.AlertCooldown = config.Duration(60 * time.Second)
	cfg.Metrics.SlowWindow = config.Duration(5 * time.Minute)
	m, err := config.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), nil)

	c.RecordRequest("client-a", "model:9000", "req-1", 20*time.Millisecond, nil)
	c.RecordRequest("client-a", "model:9000", "req-2", 30*time.Millisecond, nil)
	ce := errs.Categorize(errors.New("connection refused"), errs.Context{})
	c.RecordRequest("client-b", "model:9000", "req-3", 5*time.Millisecond, ce)

	snap := c.GetSnapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 2 || snap.TotalFailures != 1 {
		t.Errorf("expected 2 successes / 1 failure, got %d/%d", snap.TotalSuccesses, snap.TotalFailures)
	}
	if snap.ByCategory[errs.CategoryNetwork] != 1 {
		t.Errorf("expected 1 network error, got %d", snap.ByCategory[errs.CategoryNetwork])
	}
}

// 按标识聚合的平均时延
func TestCollectorPerIdentity(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), nil)

	c.RecordRequest("client-a", "model:9000", "req-4", 10*time.Millisecond, nil)
	c.RecordRequest("client-a", "model:9000", "req-5", 30*time.Millisecond, nil)

	snap := c.GetSnapshot()
	view, ok := snap.ByIdentity["client-a"]
	if !ok {
		t.Fatal("expected client-a in snapshot")
	}
	if view.Requests != 2 {
		t.Errorf("expected 2 requests, got %d", view.Requests)
	}
	if view.AvgLatency != 20*time.Millisecond {
		t.Errorf("expected 20ms average, got %v", view.AvgLatency)
	}
}

func TestCollectorBytes(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), nil)

	c.RecordBytes("client-a", "model:9000", 1024, 2048)
	c.RecordBytes("client-a", "model:9000", 100, 200)
	c.RecordBytes("client-b", "model:9000", 0, 0) // 空转发不产生记录

	snap := c.GetSnapshot()
	if snap.TotalBytesIn != 1124 || snap.TotalBytesOut != 2248 {
		t.Errorf("expected 1124/2248 bytes, got %d/%d", snap.TotalBytesIn, snap.TotalBytesOut)
	}
	view := snap.ByIdentity["client-a"]
	if view.BytesIn != 1124 || view.BytesOut != 2248 {
		t.Errorf("expected per-identity 1124/2248, got %d/%d", view.BytesIn, view.BytesOut)
	}
	if _, ok := snap.ByIdentity["client-b"]; ok {
		t.Error("zero-byte release must not create an identity entry")
	}
}

// 快照为读时复制，持有快照不影响后续记录
func TestSnapshotIsolated(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), nil)

	c.RecordRequest("client-a", "model:9000", "req-6", time.Millisecond, nil)
	snap := c.GetSnapshot()
	snap.ByCategory[errs.CategoryNetwork] = 99

	if c.GetSnapshot().ByCategory[errs.CategoryNetwork] == 99 {
		t.Error("mutating a snapshot must not affect the collector")
	}
}

func TestCollectorFeedsSlowDetector(t *testing.T) {
	m := newMetricsManager(t)
	slow := NewSlowRequestDetector(m)
	c := NewCollector(prometheus.NewRegistry(), slow)

	c.RecordRequest("client-a", "model:9000", "req-7", 50*time.Millisecond, nil)
	c.RecordRequest("client-a", "model:9000", "req-8", time.Millisecond, nil)

	if got := slow.SlowRequestRate(); got != 0.5 {
		t.Errorf("expected slow rate 0.5, got %v", got)
	}
	if c.GetSnapshot().SlowRate != 0.5 {
		t.Error("snapshot must carry the detector rate")
	}
}
