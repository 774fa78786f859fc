package metrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"mbridge/relay/internal/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// SystemMonitor 进程所在主机的资源监控器
type SystemMonitor struct {
	cfg *config.Manager

	cpuUsage   atomic.Value // float64
	memUsage   atomic.Int64
	netIn      atomic.Int64
	netOut     atomic.Int64
	goroutines atomic.Int32

	lastNetStats net.IOCountersStat
	mu           sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewSystemMonitor 创建系统监控器
func NewSystemMonitor(cfg *config.Manager) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SystemMonitor{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: zap.L().Named("system-monitor"),
	}
	sm.cpuUsage.Store(float64(0))
	return sm
}

// Start 启动采集循环
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		ticker := time.NewTicker(sm.cfg.Current().Metrics.SystemInterval.D())
		defer ticker.Stop()

		for {
			select {
			case <-sm.ctx.Done():
				return
			case <-ticker.C:
				sm.collect()
			}
		}
	}()
}

// Stop 停止采集
func (sm *SystemMonitor) Stop() {
	sm.cancel()
	sm.wg.Wait()
}

// collect 采集一轮系统指标
func (sm *SystemMonitor) collect() {
	if cpuPercent, err := cpu.Percent(time.Second, false); err == nil && len(cpuPercent) > 0 {
		sm.cpuUsage.Store(cpuPercent[0])
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		sm.memUsage.Store(int64(vmStat.Used))
	}

	if netStats, err := net.IOCounters(false); err == nil && len(netStats) > 0 {
		sm.mu.Lock()
		if sm.lastNetStats.BytesRecv > 0 {
			sm.netIn.Store(int64(netStats[0].BytesRecv - sm.lastNetStats.BytesRecv))
			sm.netOut.Store(int64(netStats[0].BytesSent - sm.lastNetStats.BytesSent))
		}
		sm.lastNetStats = netStats[0]
		sm.mu.Unlock()
	}

	sm.goroutines.Store(int32(runtime.NumGoroutine()))
}

// SystemSnapshot 系统资源快照
type SystemSnapshot struct {
	CPUUsage   float64   `json:"cpu_usage"`
	MemUsage   int64     `json:"mem_usage"`
	NetIn      int64     `json:"net_in"`
	NetOut     int64     `json:"net_out"`
	Goroutines int32     `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// GetSnapshot 获取系统资源快照
func (sm *SystemMonitor) GetSnapshot() SystemSnapshot {
	cpuVal, _ := sm.cpuUsage.Load().(float64)
	return SystemSnapshot{
		CPUUsage:   cpuVal,
		MemUsage:   sm.memUsage.Load(),
		NetIn:      sm.netIn.Load(),
		NetOut:     sm.netOut.Load(),
		Goroutines: sm.goroutines.Load(),
		Timestamp:  time.Now(),
	}
}
