package recovery

import (
	"context"
	"math"
	"math/rand"
	"time"

	"mbridge/relay/internal/config"
	"mbridge/relay/internal/errs"

	"go.uber.org/zap"
)

// RecoveryResult 单次恢复尝试的结果
type RecoveryResult struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message"`
	Backoff  time.Duration `json:"backoff"` // 调用方下次尝试前应等待的时间
}

// Redialer 重连执行器
//
// 由连接池实现：Redial重建到目标的隧道连接，Renegotiate先关闭
// 现有连接再以重新协商的参数重连。
type Redialer interface {
	Redial(ctx context.Context, identity, endpoint string) error
	Renegotiate(ctx context.Context, identity, endpoint string) error
}

// CredentialRefresher 凭证刷新器
type CredentialRefresher interface {
	Refresh(ctx context.Context, identity string) error
}

// Strategy 错误恢复策略
//
// 消费分类错误并执行对应类别的修复动作，每次调用至多执行一次
// 尝试；多次尝试由调用方循环驱动并遵守返回的退避时间。
type Strategy struct {
	cfg      *config.Manager
	breakers *BreakerGroup
	redialer Redialer
	creds    CredentialRefresher

	logger *zap.Logger
}

// NewStrategy 创建恢复策略
func NewStrategy(cfg *config.Manager, breakers *BreakerGroup, redialer Redialer, creds CredentialRefresher) *Strategy {
	return &Strategy{
		cfg:      cfg,
		breakers: breakers,
		redialer: redialer,
		creds:    creds,
		logger:   zap.L().Named("recovery"),
	}
}

// AttemptRecovery 执行一次恢复尝试
//
// attempt从1开始计数，用于退避计算。配置类错误从不重试，
// 立即返回失败。
func (s *Strategy) AttemptRecovery(ctx context.Context, identity, endpoint string, ce *errs.CategorizedError, attempt int) RecoveryResult {
	start := time.Now()

	if ce == nil {
		return RecoveryResult{Success: true, Message: "无错误"}
	}

	// 配置错误原样上报，绝不自动重试
	if ce.Category == errs.CategoryConfiguration {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "配置错误不可自动恢复: " + ce.Message,
		}
	}

	if !ce.Retryable {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "错误不可重试: " + ce.Code,
		}
	}

	s.logger.Info("执行恢复尝试",
		zap.String("identity", identity),
		zap.String("endpoint", endpoint),
		zap.String("code", ce.Code),
		zap.String("category", string(ce.Category)),
		zap.Int("attempt", attempt))

	switch ce.Category {
	case errs.CategoryNetwork:
		return s.recoverNetwork(ctx, identity, endpoint, attempt, start)
	case errs.CategoryAuthentication:
		return s.recoverAuth(ctx, identity, endpoint, attempt, start)
	case errs.CategoryProtocol:
		return s.recoverProtocol(ctx, identity, endpoint, attempt, start)
	case errs.CategoryServer:
		return s.recoverServer(ctx, identity, endpoint, attempt, start)
	case errs.CategoryResource:
		return s.recoverResource(ctx, ce, start)
	default:
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "未知类别错误不自动恢复",
		}
	}
}

// recoverNetwork 网络错误：指数退避重连
func (s *Strategy) recoverNetwork(ctx context.Context, identity, endpoint string, attempt int, start time.Time) RecoveryResult {
	if err := s.redialer.Redial(ctx, identity, endpoint); err != nil {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "重连失败: " + err.Error(),
			Backoff:  s.Backoff(attempt),
		}
	}
	return RecoveryResult{Success: true, Duration: time.Since(start), Message: "隧道已重连"}
}

// recoverAuth 认证错误：刷新凭证后单次重试
func (s *Strategy) recoverAuth(ctx context.Context, identity, endpoint string, attempt int, start time.Time) RecoveryResult {
	if attempt > 1 {
		// 认证类只允许刷新后的一次重试
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "凭证刷新后的重试已失败，不再尝试",
		}
	}

	if err := s.creds.Refresh(ctx, identity); err != nil {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "凭证刷新失败: " + err.Error(),
		}
	}

	if err := s.redialer.Redial(ctx, identity, endpoint); err != nil {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "刷新凭证后重连失败: " + err.Error(),
		}
	}
	return RecoveryResult{Success: true, Duration: time.Since(start), Message: "凭证已刷新并重连"}
}

// recoverProtocol 协议错误：关闭后以重新协商的参数重连
func (s *Strategy) recoverProtocol(ctx context.Context, identity, endpoint string, attempt int, start time.Time) RecoveryResult {
	if err := s.redialer.Renegotiate(ctx, identity, endpoint); err != nil {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "重新协商失败: " + err.Error(),
			Backoff:  s.Backoff(attempt),
		}
	}
	return RecoveryResult{Success: true, Duration: time.Since(start), Message: "连接已重新协商"}
}

// recoverServer 服务器错误：受熔断器门控的退避重试
func (s *Strategy) recoverServer(ctx context.Context, identity, endpoint string, attempt int, start time.Time) RecoveryResult {
	cb := s.breakers.Get(endpoint)
	if !cb.Allow() {
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "上游熔断中，跳过本次尝试",
			Backoff:  s.cfg.Current().Breaker.ReopenTimeout.D(),
		}
	}

	if err := s.redialer.Redial(ctx, identity, endpoint); err != nil {
		cb.RecordFailure()
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "上游仍然失败: " + err.Error(),
			Backoff:  s.Backoff(attempt),
		}
	}
	cb.RecordSuccess()
	return RecoveryResult{Success: true, Duration: time.Since(start), Message: "上游已恢复"}
}

// recoverResource 资源错误：有界等待后允许重试（回压）
func (s *Strategy) recoverResource(ctx context.Context, ce *errs.CategorizedError, start time.Time) RecoveryResult {
	wait := ce.RetryAfter
	if wait <= 0 {
		wait = s.cfg.Current().Recovery.ResourceWait.D()
	}

	select {
	case <-ctx.Done():
		return RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Message:  "等待被取消: " + ctx.Err().Error(),
		}
	case <-time.After(wait):
	}

	return RecoveryResult{
		Success:  true,
		Duration: time.Since(start),
		Message:  "回压等待结束，可以重试",
	}
}

// Backoff 计算第attempt次尝试后的退避时间
func (s *Strategy) Backoff(attempt int) time.Duration {
	rc := s.cfg.Current().Recovery

	delay := time.Duration(float64(rc.InitialDelay.D()) * math.Pow(rc.BackoffFactor, float64(attempt-1)))
	if delay > rc.MaxDelay.D() {
		delay = rc.MaxDelay.D()
	}

	if rc.Jitter {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
