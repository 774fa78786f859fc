package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/diagnostics"
	"mbridge/relay/internal/errs"
	"mbridge/relay/internal/metrics"
	"mbridge/relay/internal/pool"
	"mbridge/relay/internal/ratelimit"
	"mbridge/relay/internal/recovery"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server 管理与观测HTTP服务
//
// 暴露健康检查、Prometheus指标、运行时配置管理与按需诊断。
type Server struct {
	cfg       *config.Manager
	registry  *prometheus.Registry
	pool      *pool.Pool
	collector *metrics.Collector
	sysmon    *metrics.SystemMonitor
	limiter   *ratelimit.Limiter
	breakers  *recovery.BreakerGroup
	strategy  *recovery.Strategy
	suite     *diagnostics.Suite

	httpServer *http.Server
	startedAt  time.Time

	logger *zap.Logger
}

// NewServer 创建管理服务
func NewServer(cfg *config.Manager, registry *prometheus.Registry, p *pool.Pool,
	collector *metrics.Collector, sysmon *metrics.SystemMonitor,
	limiter *ratelimit.Limiter, breakers *recovery.BreakerGroup,
	strategy *recovery.Strategy, suite *diagnostics.Suite) *Server {

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		pool:      p,
		collector: collector,
		sysmon:    sysmon,
		limiter:   limiter,
		breakers:  breakers,
		strategy:  strategy,
		suite:     suite,
		startedAt: time.Now(),
		logger:    zap.L().Named("admin-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/config/reset", s.handleConfigReset)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/recover", s.handleRecover)

	s.httpServer = &http.Server{
		Addr:              cfg.Current().Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start 启动HTTP服务
func (s *Server) Start() error {
	s.logger.Info("管理服务启动", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("管理服务启动失败: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStats 运行时统计汇总
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.GetSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":   snap,
		"pool":       s.pool.Stats(),
		"rate_limit": s.limiter.Stats(),
		"breakers":   s.breakers.Stats(),
		"system":     s.sysmon.GetSnapshot(),
		"config":     s.cfg.Stats(),
	})
}

// handleConfig 配置读取与部分更新
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Current())

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applied, err := s.cfg.Update(body)
		if err != nil {
			if ve, ok := err.(*config.ValidationError); ok {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
					"error":      "配置校验失败，未应用任何变更",
					"violations": ve.Violations,
				})
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, applied)

	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

// handleConfigReset 恢复启动时配置
func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Reset())
}

// diagnosticsRequest 按需诊断请求
type diagnosticsRequest struct {
	Identity string `json:"identity"`
	Endpoint string `json:"endpoint"`
	Format   string `json:"format"` // json或text
}

// handleDiagnostics 执行按需诊断
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}

	var req diagnosticsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败: "+err.Error())
		return
	}
	if req.Identity == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "identity 与 endpoint 均为必填")
		return
	}

	report := s.suite.Run(r.Context(), req.Identity, req.Endpoint)

	if req.Format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, report.Render())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// recoverRequest 手动恢复请求
type recoverRequest struct {
	Identity string `json:"identity"`
	Endpoint string `json:"endpoint"`
}

// handleRecover 对目标执行一次探测与恢复尝试
//
// 先探测目标：能直接取得通道则无需恢复；否则按错误类别执行
// 对应的恢复策略并返回结果。
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败: "+err.Error())
		return
	}
	if req.Identity == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "identity 与 endpoint 均为必填")
		return
	}

	ch, connID, err := s.pool.AcquireChannel(r.Context(), req.Identity, req.Endpoint)
	if err == nil {
		s.pool.ReleaseChannel(connID, ch, false)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"healthy": true,
			"message": "目标可达，无需恢复",
		})
		return
	}

	ce, ok := errs.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := s.strategy.AttemptRecovery(r.Context(), req.Identity, req.Endpoint, ce, 1)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":  false,
		"error":    ce,
		"recovery": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
