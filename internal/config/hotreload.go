package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// HotReloader 配置文件热重载器
//
// 监控配置文件变化，将完整文件重载经由Manager的验证式替换路径
// 提交，验证失败时保留现有配置。
type HotReloader struct {
	configPath  string
	manager     *Manager
	reloadDelay time.Duration

	watcher *fsnotify.Watcher

	reloadCount atomic.Int64
	failedCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewHotReloader 创建热重载器
func NewHotReloader(configPath string, manager *Manager) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &HotReloader{
		configPath:  configPath,
		manager:     manager,
		reloadDelay: 500 * time.Millisecond,
		watcher:     watcher,
		ctx:         ctx,
		cancel:      cancel,
		logger:      zap.L().Named("hot-reloader"),
	}, nil
}

// Start 启动热重载器
func (hr *HotReloader) Start() error {
	configDir := filepath.Dir(hr.configPath)
	if err := hr.watcher.Add(configDir); err != nil {
		return fmt.Errorf("添加文件监控失败: %w", err)
	}

	hr.logger.Info("启动配置热重载",
		zap.String("config_path", hr.configPath))

	hr.wg.Add(1)
	go func() {
		defer hr.wg.Done()
		hr.watchLoop()
	}()

	return nil
}

// Stop 停止热重载器
func (hr *HotReloader) Stop() {
	hr.cancel()
	hr.watcher.Close()
	hr.wg.Wait()
	hr.logger.Info("配置热重载已停止")
}

// watchLoop 文件监控循环
func (hr *HotReloader) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-hr.ctx.Done():
			return
		case event, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(hr.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// 编辑器通常触发多次写事件，延迟合并后重载一次
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(hr.reloadDelay, hr.reload)
		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			hr.logger.Error("文件监控错误", zap.Error(err))
		}
	}
}

// reload 重载配置文件
func (hr *HotReloader) reload() {
	cfg, err := LoadFile(hr.configPath)
	if err != nil {
		hr.failedCount.Add(1)
		hr.logger.Error("配置重载失败，保留现有配置", zap.Error(err))
		return
	}

	if _, err := hr.manager.Replace(cfg); err != nil {
		hr.failedCount.Add(1)
		hr.logger.Error("配置重载验证失败，保留现有配置", zap.Error(err))
		return
	}

	hr.reloadCount.Add(1)
	hr.logger.Info("配置已热重载", zap.String("config_path", hr.configPath))
}
