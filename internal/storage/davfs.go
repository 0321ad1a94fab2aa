package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/webdav"

	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// uploadPrefix 上传过程中临时条目的名称前缀，列目录时不可见
const uploadPrefix = ".davengine-upload-"

// DavFS 基于 golang.org/x/net/webdav 文件系统的实现（内存或本地目录）
type DavFS struct {
	fs   webdav.FileSystem
	kind string
}

// NewMemoryFS 创建内存文件系统，重启后数据丢失
func NewMemoryFS() *DavFS {
	return &DavFS{fs: webdav.NewMemFS(), kind: "memory"}
}

// NewLocalFS 创建本地目录文件系统
func NewLocalFS(root string) (*DavFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}
	return &DavFS{fs: webdav.Dir(root), kind: "local"}, nil
}

// Kind 返回后端类型
func (d *DavFS) Kind() string {
	return d.kind
}

func (d *DavFS) toEntry(name string, fi os.FileInfo) *Entry {
	e := &Entry{
		Path:         name,
		Name:         utils.BaseName(name),
		IsCollection: fi.IsDir(),
		ModTime:      fi.ModTime().UTC(),
	}
	if !e.IsCollection {
		e.Size = fi.Size()
		e.ContentType = DetermineMimeType(e.Name)
	}
	e.ETag = ComputeETag(e)
	return e
}

func mapOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, os.ErrExist):
		return ErrExists
	}
	return err
}

// Stat 获取条目信息
func (d *DavFS) Stat(ctx context.Context, name string) (*Entry, error) {
	name = utils.CleanPath(name)
	fi, err := d.fs.Stat(ctx, name)
	if err != nil {
		return nil, mapOSError(err)
	}
	return d.toEntry(name, fi), nil
}

// List 列出集合的直接子条目，按名称排序
func (d *DavFS) List(ctx context.Context, name string) ([]*Entry, error) {
	name = utils.CleanPath(name)
	fi, err := d.fs.Stat(ctx, name)
	if err != nil {
		return nil, mapOSError(err)
	}
	if !fi.IsDir() {
		return nil, ErrNotCollection
	}

	f, err := d.fs.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return nil, mapOSError(err)
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", name, err)
	}

	entries := make([]*Entry, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), uploadPrefix) {
			continue
		}
		entries = append(entries, d.toEntry(utils.JoinPath(name, info.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (d *DavFS) checkParent(ctx context.Context, name string) error {
	parent, err := d.fs.Stat(ctx, utils.ParentPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrConflict
		}
		return err
	}
	if !parent.IsDir() {
		return ErrConflict
	}
	return nil
}

// Mkdir 创建集合
func (d *DavFS) Mkdir(ctx context.Context, name string) error {
	name = utils.CleanPath(name)
	if _, err := d.fs.Stat(ctx, name); err == nil {
		return ErrExists
	}
	if err := d.checkParent(ctx, name); err != nil {
		return err
	}
	return mapOSError(d.fs.Mkdir(ctx, name, 0o755))
}

// Open 打开文档内容
func (d *DavFS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	name = utils.CleanPath(name)
	fi, err := d.fs.Stat(ctx, name)
	if err != nil {
		return nil, mapOSError(err)
	}
	if fi.IsDir() {
		return nil, ErrIsCollection
	}
	f, err := d.fs.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return nil, mapOSError(err)
	}
	return f, nil
}

// Write 写入文档内容，返回条目以及是否为新建
func (d *DavFS) Write(ctx context.Context, name string, r io.Reader, contentType string) (*Entry, bool, error) {
	name = utils.CleanPath(name)
	if err := d.checkParent(ctx, name); err != nil {
		return nil, false, err
	}

	created := true
	if fi, err := d.fs.Stat(ctx, name); err == nil {
		if fi.IsDir() {
			return nil, false, ErrIsCollection
		}
		created = false
	}

	// 先写入同目录下的临时条目，完整写完后再替换，失败时原文档保持不变
	tmp := utils.JoinPath(utils.ParentPath(name), uploadPrefix+uuid.NewString())
	f, err := d.fs.OpenFile(ctx, tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, false, mapOSError(err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		d.fs.RemoveAll(ctx, tmp)
		return nil, false, fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		d.fs.RemoveAll(ctx, tmp)
		return nil, false, fmt.Errorf("close %s: %w", name, err)
	}
	if err := d.fs.Rename(ctx, tmp, name); err != nil {
		d.fs.RemoveAll(ctx, tmp)
		return nil, false, fmt.Errorf("replace %s: %w", name, mapOSError(err))
	}

	entry, err := d.Stat(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// Remove 递归删除条目
func (d *DavFS) Remove(ctx context.Context, name string) error {
	name = utils.CleanPath(name)
	if _, err := d.fs.Stat(ctx, name); err != nil {
		return mapOSError(err)
	}
	return mapOSError(d.fs.RemoveAll(ctx, name))
}

// Rename 原子重命名，目标必须不存在
func (d *DavFS) Rename(ctx context.Context, src, dst string) error {
	src = utils.CleanPath(src)
	dst = utils.CleanPath(dst)
	if err := d.checkParent(ctx, dst); err != nil {
		return err
	}
	return mapOSError(d.fs.Rename(ctx, src, dst))
}
