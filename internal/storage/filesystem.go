package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// 文件系统错误定义
var (
	ErrNotFound      = errors.New("storage: entry not found")
	ErrExists        = errors.New("storage: entry already exists")
	ErrConflict      = errors.New("storage: parent collection missing")
	ErrIsCollection  = errors.New("storage: entry is a collection")
	ErrNotCollection = errors.New("storage: entry is not a collection")
)

// Entry 文件系统条目，IsCollection 区分集合与文档
type Entry struct {
	Path         string
	Name         string
	IsCollection bool
	Size         int64
	ContentType  string
	ModTime      time.Time
	ETag         string
}

// FileSystem 文件系统抽象，所有路径均为以 / 开头的规范化路径
type FileSystem interface {
	Stat(ctx context.Context, name string) (*Entry, error)
	List(ctx context.Context, name string) ([]*Entry, error)
	Mkdir(ctx context.Context, name string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Write(ctx context.Context, name string, r io.Reader, contentType string) (*Entry, bool, error)
	Remove(ctx context.Context, name string) error
}

// Renamer 支持原子重命名的文件系统
type Renamer interface {
	Rename(ctx context.Context, src, dst string) error
}

// ServerSideCopier 支持后端内部复制文档的文件系统
type ServerSideCopier interface {
	CopyFile(ctx context.Context, src, dst string) error
}
