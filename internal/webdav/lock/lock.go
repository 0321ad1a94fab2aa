package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Scope 锁定范围
type Scope string

const (
	ScopeExclusive Scope = "exclusive"
	ScopeShared    Scope = "shared"
)

// Depth 锁定深度
type Depth int

const (
	DepthZero     Depth = 0
	DepthInfinity Depth = -1
)

// String 返回 Depth 头使用的表示
func (d Depth) String() string {
	if d == DepthInfinity {
		return "infinity"
	}
	return "0"
}

// Infinite 表示无限超时
const Infinite time.Duration = -1

// 锁定错误定义
var (
	ErrConflict         = errors.New("lock: conflicting lock")
	ErrNotFound         = errors.New("lock: lock not found")
	ErrNoLock           = errors.New("lock: no such lock")
	ErrInvalidLockRange = errors.New("lock: token does not cover the request path")
	ErrLocked           = errors.New("lock: resource is locked")
)

// ActiveLock 活跃锁
type ActiveLock struct {
	Token     string        `json:"token"`
	Path      string        `json:"path"`
	Scope     Scope         `json:"scope"`
	Depth     Depth         `json:"depth"`
	Owner     string        `json:"owner"`
	Timeout   time.Duration `json:"timeout"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"` // 无限超时时为零值
}

// Recursive 是否覆盖整个子树
func (l *ActiveLock) Recursive() bool {
	return l.Depth == DepthInfinity
}

// Expired 判断锁在 now 时刻是否已过期
func (l *ActiveLock) Expired(now time.Time) bool {
	if l.Timeout == Infinite || l.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(l.ExpiresAt)
}

// Remaining 剩余有效时间，无限超时返回 Infinite
func (l *ActiveLock) Remaining(now time.Time) time.Duration {
	if l.Timeout == Infinite || l.ExpiresAt.IsZero() {
		return Infinite
	}
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (l *ActiveLock) clone() *ActiveLock {
	c := *l
	return &c
}

// LockRequest 创建锁定的请求参数
type LockRequest struct {
	Path    string
	Scope   Scope
	Depth   Depth
	Owner   string
	Timeout time.Duration
}

// ConflictError 锁冲突，携带冲突的锁
type ConflictError struct {
	Lock *ActiveLock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock: conflicts with %s lock on %s", e.Lock.Scope, e.Lock.Path)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// LockedError 资源被锁定且请求未提交对应令牌
type LockedError struct {
	Lock *ActiveLock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("lock: %s is locked by %s", e.Lock.Path, e.Lock.Token)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// Manager 锁管理器契约
type Manager interface {
	Lock(ctx context.Context, req LockRequest) (*ActiveLock, error)
	Refresh(ctx context.Context, token string, timeout time.Duration) (*ActiveLock, error)
	Unlock(ctx context.Context, token, path string) error
	FindLocks(ctx context.Context, path string) ([]*ActiveLock, error)
	CheckWrite(ctx context.Context, path string, recursive bool, tokens []string) error
	RemoveUnder(ctx context.Context, path string) error
	Close() error
}
