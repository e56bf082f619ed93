package relay

import (
	"context"
	"sync"
)

// GrantRequestFunc 外部授权请求函数（通常为网关 RequestGrant）
type GrantRequestFunc func(ctx context.Context, key GrantKey) (GrantResult, error)

// GrantCache 授权缓存：记录已批准的 (动作, 设备, 会话) 三元组
// 仅在整体 Reset（重连）时失效，无单条过期
type GrantCache struct {
	mu     sync.Mutex
	grants map[GrantKey]struct{}
}

// NewGrantCache 创建空授权缓存
func NewGrantCache() *GrantCache {
	return &GrantCache{grants: make(map[GrantKey]struct{})}
}

// Has 是否已缓存该授权
func (c *GrantCache) Has(key GrantKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.grants[key]
	return ok
}

// Add 记录一条已批准的授权
func (c *GrantCache) Add(key GrantKey) {
	c.mu.Lock()
	c.grants[key] = struct{}{}
	c.mu.Unlock()
}

// Reset 清空全部授权（重连时会话键整体失效）
func (c *GrantCache) Reset() {
	c.mu.Lock()
	c.grants = make(map[GrantKey]struct{})
	c.mu.Unlock()
}

// Len 当前缓存条数
func (c *GrantCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.grants)
}

// EnsureGrant 确保授权存在：命中缓存直接返回；否则发起远端授权请求，
// 仅在显式 granted 时写入缓存。拒绝与出错均返回 *GrantError，不写缓存。
// 同一 key 的并发请求允许各自发起远端调用，后端需容忍重复授权请求。
func (c *GrantCache) EnsureGrant(ctx context.Context, key GrantKey, request GrantRequestFunc) error {
	if c.Has(key) {
		return nil
	}
	result, err := request(ctx, key)
	if err != nil {
		return &GrantError{Key: key, Result: GrantErrored, Err: err}
	}
	if result != GrantGranted {
		return &GrantError{Key: key, Result: result}
	}
	c.Add(key)
	return nil
}
