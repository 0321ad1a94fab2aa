package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// LockManager 锁定管理器，所有读写都在同一个互斥区内串行化
type LockManager struct {
	locks       map[string]*ActiveLock   // token -> lock
	locksByPath map[string][]*ActiveLock // path -> locks
	mu          sync.Mutex

	policy TimeoutPolicy
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option 锁管理器选项
type Option func(*LockManager)

// WithStore 设置持久化后端
func WithStore(s Store) Option {
	return func(lm *LockManager) { lm.store = s }
}

// WithLogger 设置日志
func WithLogger(l logrus.FieldLogger) Option {
	return func(lm *LockManager) { lm.logger = l }
}

// WithClock 设置时钟，便于测试
func WithClock(now func() time.Time) Option {
	return func(lm *LockManager) { lm.now = now }
}

// NewManager 创建锁管理器并从持久化后端恢复未过期的锁
func NewManager(ctx context.Context, policy TimeoutPolicy, opts ...Option) (*LockManager, error) {
	lm := &LockManager{
		locks:       make(map[string]*ActiveLock),
		locksByPath: make(map[string][]*ActiveLock),
		policy:      policy,
		store:       NewMemoryStore(),
		logger:      logrus.StandardLogger(),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lm)
	}

	restored, err := lm.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore locks: %w", err)
	}
	now := lm.now()
	for _, l := range restored {
		if l.Expired(now) {
			continue
		}
		lm.addUnsafe(l)
	}
	if len(lm.locks) > 0 {
		lm.logger.WithField("count", len(lm.locks)).Info("restored locks from store")
	}
	return lm, nil
}

// generateLockToken 生成唯一的锁定令牌
func generateLockToken() string {
	return "opaquelocktoken:" + uuid.New().String()
}

func compatible(a, b Scope) bool {
	return a == ScopeShared && b == ScopeShared
}

// Lock 创建锁定，与已有锁冲突时返回 *ConflictError
func (lm *LockManager) Lock(ctx context.Context, req LockRequest) (*ActiveLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := utils.CleanPath(req.Path)
	if req.Scope != ScopeShared {
		req.Scope = ScopeExclusive
	}
	if req.Depth != DepthZero {
		req.Depth = DepthInfinity
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if conflict := lm.findConflictUnsafe(path, req.Scope, req.Depth, now); conflict != nil {
		return nil, &ConflictError{Lock: conflict.clone()}
	}

	timeout := lm.policy.Effective(req.Timeout)
	l := &ActiveLock{
		Token:    generateLockToken(),
		Path:     path,
		Scope:    req.Scope,
		Depth:    req.Depth,
		Owner:    req.Owner,
		Timeout:  timeout,
		IssuedAt: now,
	}
	if timeout != Infinite {
		l.ExpiresAt = now.Add(timeout)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := lm.store.Save(ctx, l); err != nil {
		return nil, fmt.Errorf("persist lock: %w", err)
	}
	lm.addUnsafe(l)

	lm.logger.WithFields(logrus.Fields{
		"token": l.Token,
		"path":  l.Path,
		"scope": l.Scope,
		"depth": l.Depth.String(),
	}).Debug("lock created")
	return l.clone(), nil
}

// Refresh 刷新锁定的超时时间，过期或未知令牌返回 ErrNotFound
func (lm *LockManager) Refresh(ctx context.Context, token string, timeout time.Duration) (*ActiveLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	l, ok := lm.locks[token]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Expired(now) {
		lm.purgeUnsafe(ctx, l)
		return nil, ErrNotFound
	}

	refreshed := l.clone()
	refreshed.Timeout = lm.policy.Effective(timeout)
	refreshed.IssuedAt = now
	refreshed.ExpiresAt = time.Time{}
	if refreshed.Timeout != Infinite {
		refreshed.ExpiresAt = now.Add(refreshed.Timeout)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := lm.store.Save(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("persist lock: %w", err)
	}
	*l = *refreshed
	return refreshed, nil
}

// Unlock 释放锁定
func (lm *LockManager) Unlock(ctx context.Context, token, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.locks[token]
	if !ok {
		return ErrNoLock
	}
	if l.Expired(lm.now()) {
		lm.purgeUnsafe(ctx, l)
		return ErrNoLock
	}
	if l.Path != path && !(l.Recursive() && utils.IsDescendant(l.Path, path)) {
		return ErrInvalidLockRange
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := lm.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("delete persisted lock: %w", err)
	}
	lm.removeUnsafe(l)
	return nil
}

// FindLocks 查找覆盖 path 的所有锁，包括祖先上的无限深度锁
func (lm *LockManager) FindLocks(ctx context.Context, path string) ([]*ActiveLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = utils.CleanPath(path)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []*ActiveLock
	lm.walkCoveringUnsafe(path, lm.now(), func(l *ActiveLock) bool {
		out = append(out, l.clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

// CheckWrite 检查对 path 的写操作是否被锁阻止；recursive 时同时检查子树中的锁
func (lm *LockManager) CheckWrite(ctx context.Context, path string, recursive bool, tokens []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)
	submitted := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		submitted[t] = struct{}{}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	var blocking *ActiveLock
	check := func(l *ActiveLock) bool {
		if _, ok := submitted[l.Token]; ok {
			return true
		}
		blocking = l
		return false
	}

	lm.walkCoveringUnsafe(path, now, check)
	if blocking == nil && recursive {
		lm.walkDescendantsUnsafe(path, now, check)
	}
	if blocking != nil {
		return &LockedError{Lock: blocking.clone()}
	}
	return nil
}

// RemoveUnder 删除 path 及其子树上的所有锁，用于资源被删除或移走之后
func (lm *LockManager) RemoveUnder(ctx context.Context, path string) error {
	path = utils.CleanPath(path)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for p, ls := range lm.locksByPath {
		if !utils.IsSameOrDescendant(path, p) {
			continue
		}
		for _, l := range append([]*ActiveLock(nil), ls...) {
			if err := lm.store.Delete(ctx, l.Token); err != nil {
				return fmt.Errorf("delete persisted lock: %w", err)
			}
			lm.removeUnsafe(l)
		}
	}
	return nil
}

// CleanExpiredLocks 清理过期锁，返回清理数量
func (lm *LockManager) CleanExpiredLocks(ctx context.Context) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	count := 0
	for _, l := range lm.locks {
		if l.Expired(now) {
			lm.purgeUnsafe(ctx, l)
			count++
		}
	}
	return count
}

// ActiveCount 当前未过期锁的数量
func (lm *LockManager) ActiveCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	count := 0
	for _, l := range lm.locks {
		if !l.Expired(now) {
			count++
		}
	}
	return count
}

// StartSweep 启动后台过期清理任务
func (lm *LockManager) StartSweep(interval time.Duration) {
	if interval <= 0 {
		return
	}
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := lm.CleanExpiredLocks(context.Background()); n > 0 {
					lm.logger.WithField("count", n).Debug("expired locks removed")
				}
			case <-lm.stop:
				return
			}
		}
	}()
}

// Close 停止后台任务并关闭持久化后端
func (lm *LockManager) Close() error {
	lm.stopOnce.Do(func() { close(lm.stop) })
	lm.wg.Wait()
	return lm.store.Close()
}

// ========================================
// 内部方法，调用方必须持有 mu
// ========================================

func (lm *LockManager) findConflictUnsafe(path string, scope Scope, depth Depth, now time.Time) *ActiveLock {
	var conflict *ActiveLock
	check := func(l *ActiveLock) bool {
		if compatible(l.Scope, scope) {
			return true
		}
		conflict = l
		return false
	}

	lm.walkCoveringUnsafe(path, now, check)
	if conflict == nil && depth == DepthInfinity {
		lm.walkDescendantsUnsafe(path, now, check)
	}
	return conflict
}

// walkCoveringUnsafe 遍历 path 上的锁以及祖先上的无限深度锁，fn 返回 false 时停止
func (lm *LockManager) walkCoveringUnsafe(path string, now time.Time, fn func(*ActiveLock) bool) {
	candidates := append([]string{path}, utils.Ancestors(path)...)
	for i, p := range candidates {
		for _, l := range lm.locksByPath[p] {
			if l.Expired(now) {
				continue
			}
			if i > 0 && !l.Recursive() {
				continue
			}
			if !fn(l) {
				return
			}
		}
	}
}

// walkDescendantsUnsafe 遍历 path 子树中的锁（不含 path 自身）
func (lm *LockManager) walkDescendantsUnsafe(path string, now time.Time, fn func(*ActiveLock) bool) {
	for p, ls := range lm.locksByPath {
		if !utils.IsDescendant(path, p) {
			continue
		}
		for _, l := range ls {
			if l.Expired(now) {
				continue
			}
			if !fn(l) {
				return
			}
		}
	}
}

func (lm *LockManager) addUnsafe(l *ActiveLock) {
	lm.locks[l.Token] = l
	lm.locksByPath[l.Path] = append(lm.locksByPath[l.Path], l)
}

func (lm *LockManager) removeUnsafe(l *ActiveLock) {
	delete(lm.locks, l.Token)
	ls := lm.locksByPath[l.Path]
	for i, x := range ls {
		if x.Token == l.Token {
			ls = append(ls[:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(lm.locksByPath, l.Path)
		return
	}
	lm.locksByPath[l.Path] = ls
}

// purgeUnsafe 删除过期锁，持久化删除失败只记录日志
func (lm *LockManager) purgeUnsafe(ctx context.Context, l *ActiveLock) {
	if err := lm.store.Delete(ctx, l.Token); err != nil {
		lm.logger.WithError(err).WithField("token", l.Token).Warn("failed to delete expired lock from store")
	}
	lm.removeUnsafe(l)
}
