package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/diagnostics"
	"mbridge/relay/internal/metrics"
	"mbridge/relay/internal/pool"
	"mbridge/relay/internal/ratelimit"
	"mbridge/relay/internal/recovery"
	"mbridge/relay/internal/server"
	"mbridge/relay/internal/transport"
	"mbridge/relay/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("c", "", "配置文件路径（yaml/json，可选）")
	token      = flag.String("token", "", "隧道认证Token（必填）")
	logLevel   = flag.String("log", "", "日志级别: debug/info/warn/error（覆盖配置文件）")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	if *token == "" {
		fmt.Println("错误: --token 参数为必填项")
		fmt.Println("\n使用示例:")
		fmt.Println("  ./relay --token <your-token> -c relay.yaml")
		fmt.Println("\n完整参数:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	// 加载配置
	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	manager, err := config.NewManager(cfg)
	if err != nil {
		logger.Fatal("配置校验失败", zap.Error(err))
	}

	logger.Info("Relay 启动",
		zap.String("version", version),
		zap.String("carrier", cfg.Transport.Carrier),
		zap.String("listen", cfg.Server.ListenAddr))

	// 配置文件热重载
	var reloader *config.HotReloader
	if *configFile != "" {
		reloader, err = config.NewHotReloader(*configFile, manager)
		if err != nil {
			logger.Fatal("创建配置热重载失败", zap.Error(err))
		}
		if err := reloader.Start(); err != nil {
			logger.Fatal("启动配置热重载失败", zap.Error(err))
		}
	}

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	slow := metrics.NewSlowRequestDetector(manager)
	collector := metrics.NewCollector(registry, slow)
	sysmon := metrics.NewSystemMonitor(manager)
	sysmon.Start()

	// 弹性组件
	limiter := ratelimit.NewLimiter(manager)
	limiter.StartJanitor()
	breakers := recovery.NewBreakerGroup(manager)
	creds := pool.NewStaticCredentials(*token)

	dialer, err := transport.NewDialer(manager)
	if err != nil {
		logger.Fatal("创建拨号器失败", zap.Error(err))
	}

	// 连接池
	tunnelPool := pool.NewPool(manager, dialer, limiter, breakers, creds, collector)
	tunnelPool.StartJanitor()

	// 恢复策略
	strategy := recovery.NewStrategy(manager, breakers, tunnelPool, creds)

	// 诊断套件
	suite := diagnostics.NewSuite(manager, dialer, creds)

	// 管理服务
	adminServer := server.NewServer(manager, registry, tunnelPool, collector, sysmon, limiter, breakers, strategy, suite)
	go func() {
		if err := adminServer.Start(); err != nil {
			logger.Fatal("管理服务异常退出", zap.Error(err))
		}
	}()

	logger.Info("全部组件已启动")

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到停止信号，开始优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭管理服务失败", zap.Error(err))
	}
	if reloader != nil {
		reloader.Stop()
	}
	sysmon.Stop()
	limiter.Stop()
	tunnelPool.CloseAll()

	logger.Info("Relay 已停止")
}
