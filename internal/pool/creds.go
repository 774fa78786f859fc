package pool

import (
	"context"
	"errors"
	"sync"
)

// StaticCredentials 进程启动时注入的固定令牌凭证
//
// 所有标识共用同一令牌；Refresh不重新签发，仅确认令牌仍然存在，
// 令牌轮换由外部下发新进程配置完成。
type StaticCredentials struct {
	mu    sync.RWMutex
	token string
}

// NewStaticCredentials 创建固定令牌凭证源
func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: token}
}

// Token 返回当前令牌
func (c *StaticCredentials) Token(ctx context.Context, identity string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", errors.New("missing required auth token")
	}
	return c.token, nil
}

// Refresh 校验令牌可用
func (c *StaticCredentials) Refresh(ctx context.Context, identity string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return errors.New("missing required auth token")
	}
	return nil
}

// Rotate 替换令牌
func (c *StaticCredentials) Rotate(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}
