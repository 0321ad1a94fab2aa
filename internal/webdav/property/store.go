package property

import (
	"context"
	"encoding/xml"
	"errors"
	"sort"
	"sync"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
	"github.com/webdav-gateway/davengine/internal/webdav/validators"
)

// ErrBackendUnavailable 属性后端不可用
var ErrBackendUnavailable = errors.New("property: backend unavailable")

// Store 死属性存储契约
//
// SetProperties 对每个属性单独验证，验证失败的属性出现在返回的列表中，
// 其余属性照常写入；只有后端本身出错时才返回 error。
type Store interface {
	GetProperties(ctx context.Context, path string) ([]types.DeadProperty, error)
	SetProperties(ctx context.Context, path string, props []types.DeadProperty) ([]*types.PropertyError, error)
	RemoveProperties(ctx context.Context, path string, names []xml.Name) error
	// RemoveAll 删除 path 及其子树上的所有属性
	RemoveAll(ctx context.Context, path string) error
	// IgnoreEntry 判断文件系统条目是否为后端自身的存储文件，列目录时需要跳过
	IgnoreEntry(e *storage.Entry) bool
	Close() error
}

// Option 属性存储选项
type Option func(*options)

type options struct {
	validator validators.PropertyValidator
}

// WithValidator 设置属性验证器
func WithValidator(v validators.PropertyValidator) Option {
	return func(o *options) { o.validator = v }
}

func applyOptions(opts []Option) options {
	o := options{validator: validators.Default}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// partition 将属性分为可写入的和验证失败的两组，同名属性以最后一次为准
func partition(v validators.PropertyValidator, props []types.DeadProperty) ([]types.DeadProperty, []*types.PropertyError) {
	var (
		valid    []types.DeadProperty
		failures []*types.PropertyError
	)
	index := make(map[string]int, len(props))
	for _, p := range props {
		if perr := v.Validate(p); perr != nil {
			failures = append(failures, perr)
			continue
		}
		key := types.PropertyKey(p.Name)
		if i, ok := index[key]; ok {
			valid[i] = p
			continue
		}
		index[key] = len(valid)
		valid = append(valid, p)
	}
	return valid, failures
}

func sortProperties(props []types.DeadProperty) {
	sort.Slice(props, func(i, j int) bool {
		if props[i].Name.Space != props[j].Name.Space {
			return props[i].Name.Space < props[j].Name.Space
		}
		return props[i].Name.Local < props[j].Name.Local
	})
}

// ========================================
// 内存存储
// ========================================

// MemoryStore 进程内属性存储
type MemoryStore struct {
	mu    sync.RWMutex
	props map[string]map[string]string // path -> key -> value
	opts  options
}

// NewMemoryStore 创建内存属性存储
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		props: make(map[string]map[string]string),
		opts:  applyOptions(opts),
	}
}

// GetProperties 获取资源的全部死属性
func (s *MemoryStore) GetProperties(ctx context.Context, path string) ([]types.DeadProperty, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = utils.CleanPath(path)

	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.props[path]
	out := make([]types.DeadProperty, 0, len(m))
	for k, v := range m {
		out = append(out, types.DeadProperty{Name: types.ParsePropertyKey(k), Value: v})
	}
	sortProperties(out)
	return out, nil
}

// SetProperties 写入属性
func (s *MemoryStore) SetProperties(ctx context.Context, path string, props []types.DeadProperty) ([]*types.PropertyError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = utils.CleanPath(path)
	valid, failures := partition(s.opts.validator, props)
	if len(valid) == 0 {
		return failures, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.props[path]
	if !ok {
		m = make(map[string]string, len(valid))
		s.props[path] = m
	}
	for _, p := range valid {
		m[types.PropertyKey(p.Name)] = p.Value
	}
	return failures, nil
}

// RemoveProperties 删除指定属性，不存在的属性忽略
func (s *MemoryStore) RemoveProperties(ctx context.Context, path string, names []xml.Name) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.props[path]
	for _, n := range names {
		delete(m, types.PropertyKey(n))
	}
	if len(m) == 0 {
		delete(s.props, path)
	}
	return nil
}

// RemoveAll 删除子树上的全部属性
func (s *MemoryStore) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.props {
		if utils.IsSameOrDescendant(path, p) {
			delete(s.props, p)
		}
	}
	return nil
}

// IgnoreEntry 内存存储不占用文件系统条目
func (s *MemoryStore) IgnoreEntry(*storage.Entry) bool { return false }

// Close 无需释放资源
func (s *MemoryStore) Close() error { return nil }
