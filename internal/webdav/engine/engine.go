package engine

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/property"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// TargetBehaviour 目标已存在时的处理方式
type TargetBehaviour int

const (
	// DeleteTarget 先删除目标（集合连同整个子树），再复制
	DeleteTarget TargetBehaviour = iota
	// Overwrite 原地覆盖，集合目标保留并合并
	Overwrite
)

func (b TargetBehaviour) String() string {
	if b == Overwrite {
		return "overwrite"
	}
	return "delete_target"
}

// ParseTargetBehaviour 解析配置中的目标处理方式
func ParseTargetBehaviour(s string) (TargetBehaviour, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "delete_target", "deletetarget":
		return DeleteTarget, nil
	case "overwrite":
		return Overwrite, nil
	}
	return DeleteTarget, fmt.Errorf("unknown target behaviour %q", s)
}

// 复制/移动错误定义
var (
	ErrSameResource    = errors.New("engine: source and destination are the same resource")
	ErrRecursiveTarget = errors.New("engine: destination is inside the source collection")
	ErrAncestorTarget  = errors.New("engine: destination is an ancestor of the source")
)

// Source 复制/移动的源
type Source struct {
	FS    storage.FileSystem
	Props property.Store
	Path  string
}

// Target 复制/移动的目标
type Target struct {
	FS        storage.FileSystem
	Props     property.Store
	Path      string
	Behaviour TargetBehaviour
}

// Failure 单个条目的失败
type Failure struct {
	Path   string // 目标路径
	Source string
	Err    error
}

// Result 执行结果，Failures 非空表示部分成功
type Result struct {
	Created  bool
	Failures []Failure
}

// OK 是否全部成功
func (r *Result) OK() bool {
	return len(r.Failures) == 0
}

// Engine 复制/移动引擎
type Engine struct {
	logger logrus.FieldLogger
}

// Option 引擎选项
type Option func(*Engine)

// WithLogger 设置日志
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// New 创建引擎
func New(opts ...Option) *Engine {
	e := &Engine{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 将 src 复制或移动到 dst
//
// 子条目按名称顺序处理，遇到第一个失败即停止并记录，已复制的条目保留。
// 移动只有在复制全部成功后才删除源。
func (e *Engine) Execute(ctx context.Context, src Source, dst Target, recursive, isMove bool) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src.Path = utils.CleanPath(src.Path)
	dst.Path = utils.CleanPath(dst.Path)
	if isMove {
		recursive = true
	}

	sameFS := src.FS == dst.FS
	if sameFS {
		if src.Path == dst.Path {
			return nil, ErrSameResource
		}
		if utils.IsDescendant(src.Path, dst.Path) {
			return nil, ErrRecursiveTarget
		}
		// 删除或覆盖祖先目标会连带删除源本身
		if utils.IsDescendant(dst.Path, src.Path) {
			return nil, ErrAncestorTarget
		}
	}

	srcEntry, err := src.FS.Stat(ctx, src.Path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	parent, err := dst.FS.Stat(ctx, utils.ParentPath(dst.Path))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("stat destination parent: %w", err)
	}
	if !parent.IsCollection {
		return nil, storage.ErrConflict
	}

	result := &Result{Created: true}
	dstEntry, err := dst.FS.Stat(ctx, dst.Path)
	switch {
	case err == nil:
		result.Created = false
		if dst.Behaviour == DeleteTarget || dstEntry.IsCollection != srcEntry.IsCollection {
			if err := removeTarget(ctx, dst.FS, dst.Props, dst.Path); err != nil {
				return nil, fmt.Errorf("delete destination: %w", err)
			}
			dstEntry = nil
		}
	case errors.Is(err, storage.ErrNotFound):
		dstEntry = nil
	default:
		return nil, fmt.Errorf("stat destination: %w", err)
	}

	if isMove && sameFS && dstEntry == nil {
		if renamer, ok := src.FS.(storage.Renamer); ok {
			if err := e.renameTree(ctx, renamer, src, dst, result); err != nil {
				return nil, err
			}
			if !result.OK() {
				e.logger.WithFields(logrus.Fields{
					"source":      src.Path,
					"destination": dst.Path,
					"failed":      result.Failures[0].Path,
				}).WithError(result.Failures[0].Err).Warn("properties not restored after rename")
			}
			return result, nil
		}
	}

	if err := e.copyEntry(ctx, src, srcEntry, dst, dst.Path, dstEntry, recursive, result); err != nil {
		return nil, err
	}
	if !result.OK() {
		e.logger.WithFields(logrus.Fields{
			"source":      src.Path,
			"destination": dst.Path,
			"failed":      result.Failures[0].Path,
		}).WithError(result.Failures[0].Err).Warn("copy stopped at first failure")
		return result, nil
	}

	if isMove {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := removeTarget(ctx, src.FS, src.Props, src.Path); err != nil {
			return nil, fmt.Errorf("delete source after copy: %w", err)
		}
	}
	return result, nil
}

// copyEntry 复制单个条目，集合递归处理子条目；返回的 error 表示整个操作中止（如取消）
func (e *Engine) copyEntry(ctx context.Context, src Source, srcEntry *storage.Entry, dst Target, dstPath string, dstEntry *storage.Entry, recursive bool, result *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fail := func(err error) error {
		result.Failures = append(result.Failures, Failure{Path: dstPath, Source: srcEntry.Path, Err: err})
		return nil
	}

	if dstEntry != nil && dstEntry.IsCollection != srcEntry.IsCollection {
		if err := removeTarget(ctx, dst.FS, dst.Props, dstPath); err != nil {
			return fail(err)
		}
		dstEntry = nil
	}

	if !srcEntry.IsCollection {
		if err := e.copyDocument(ctx, src, srcEntry, dst, dstPath); err != nil {
			return fail(err)
		}
		if err := copyProperties(ctx, src.Props, srcEntry.Path, dst.Props, dstPath); err != nil {
			return fail(err)
		}
		return nil
	}

	if dstEntry == nil {
		if err := dst.FS.Mkdir(ctx, dstPath); err != nil {
			return fail(err)
		}
	}
	if err := copyProperties(ctx, src.Props, srcEntry.Path, dst.Props, dstPath); err != nil {
		return fail(err)
	}
	if !recursive {
		return nil
	}

	children, err := src.FS.List(ctx, srcEntry.Path)
	if err != nil {
		return fail(err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	for _, child := range children {
		if src.Props.IgnoreEntry(child) {
			continue
		}
		childDst := utils.JoinPath(dstPath, child.Name)
		var existing *storage.Entry
		if dstEntry != nil {
			existing, err = dst.FS.Stat(ctx, childDst)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fail(err)
			}
		}
		if err := e.copyEntry(ctx, src, child, dst, childDst, existing, true, result); err != nil {
			return err
		}
		if !result.OK() {
			return nil
		}
	}
	return nil
}

// copyDocument 同一后端支持服务端复制时直接复制，否则以流的方式读出再写入
func (e *Engine) copyDocument(ctx context.Context, src Source, srcEntry *storage.Entry, dst Target, dstPath string) error {
	if src.FS == dst.FS {
		if copier, ok := src.FS.(storage.ServerSideCopier); ok {
			return copier.CopyFile(ctx, srcEntry.Path, dstPath)
		}
	}

	rc, err := src.FS.Open(ctx, srcEntry.Path)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, _, err := dst.FS.Write(ctx, dstPath, rc, srcEntry.ContentType); err != nil {
		return err
	}
	return nil
}

// renameTree 同一后端的原子重命名，属性随条目一起迁移。
// 重命名之后目标存储拒绝的属性记入 result，其余属性照常恢复。
func (e *Engine) renameTree(ctx context.Context, renamer storage.Renamer, src Source, dst Target, result *Result) error {
	collected, err := collectProperties(ctx, src.FS, src.Props, src.Path)
	if err != nil {
		return fmt.Errorf("collect properties: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := renamer.Rename(ctx, src.Path, dst.Path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	if err := src.Props.RemoveAll(ctx, src.Path); err != nil {
		return fmt.Errorf("remove source properties: %w", err)
	}
	paths := make([]string, 0, len(collected))
	for p := range collected {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		target := utils.Rebase(p, src.Path, dst.Path)
		failures, err := dst.Props.SetProperties(ctx, target, collected[p])
		if err != nil {
			return fmt.Errorf("restore properties: %w", err)
		}
		if len(failures) > 0 {
			result.Failures = append(result.Failures, Failure{Path: target, Source: p, Err: failures[0]})
		}
	}
	return nil
}

// collectProperties 收集子树上所有条目的死属性
func collectProperties(ctx context.Context, fs storage.FileSystem, props property.Store, root string) (map[string][]types.DeadProperty, error) {
	out := make(map[string][]types.DeadProperty)
	var walk func(p string, isCollection bool) error
	walk = func(p string, isCollection bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ps, err := props.GetProperties(ctx, p)
		if err != nil {
			return err
		}
		if len(ps) > 0 {
			out[p] = ps
		}
		if !isCollection {
			return nil
		}
		children, err := fs.List(ctx, p)
		if err != nil {
			return err
		}
		for _, c := range children {
			if props.IgnoreEntry(c) {
				continue
			}
			if err := walk(c.Path, c.IsCollection); err != nil {
				return err
			}
		}
		return nil
	}

	entry, err := fs.Stat(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := walk(root, entry.IsCollection); err != nil {
		return nil, err
	}
	return out, nil
}

// copyProperties 使目标的死属性集合与源完全一致
func copyProperties(ctx context.Context, from property.Store, srcPath string, to property.Store, dstPath string) error {
	props, err := from.GetProperties(ctx, srcPath)
	if err != nil {
		return err
	}
	existing, err := to.GetProperties(ctx, dstPath)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(props))
	for _, p := range props {
		keep[types.PropertyKey(p.Name)] = struct{}{}
	}
	var stale []xml.Name
	for _, p := range existing {
		if _, ok := keep[types.PropertyKey(p.Name)]; !ok {
			stale = append(stale, p.Name)
		}
	}
	if len(stale) > 0 {
		if err := to.RemoveProperties(ctx, dstPath, stale); err != nil {
			return err
		}
	}
	if len(props) == 0 {
		return nil
	}

	failures, err := to.SetProperties(ctx, dstPath, props)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return failures[0]
	}
	return nil
}

func removeTarget(ctx context.Context, fs storage.FileSystem, props property.Store, p string) error {
	if err := fs.Remove(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return props.RemoveAll(ctx, p)
}
