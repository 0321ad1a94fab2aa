package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	gocache "github.com/pmylund/go-cache"

	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

const directoryContentType = "application/x-directory"

// MinioConfig 对象存储配置
type MinioConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	Bucket       string
	Prefix       string
	StatCacheTTL time.Duration
}

// MinioFS 基于 S3 兼容对象存储的文件系统，集合以 "name/" 标记对象表示
type MinioFS struct {
	client *minio.Client
	bucket string
	prefix string
	cache  *gocache.Cache
}

// NewMinioFS 创建对象存储文件系统并确保桶存在
func NewMinioFS(ctx context.Context, cfg MinioConfig) (*MinioFS, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ttl := cfg.StatCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	m := &MinioFS{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		cache:  gocache.New(ttl, 2*ttl),
	}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MinioFS) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// objectKey 资源路径转换为对象键
func (m *MinioFS) objectKey(name string) string {
	return strings.TrimPrefix(path.Join(m.prefix, utils.CleanPath(name)), "/")
}

// collectionPrefix 集合子对象的键前缀
func (m *MinioFS) collectionPrefix(name string) string {
	key := m.objectKey(name)
	if key == "" {
		return ""
	}
	return key + "/"
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Stat 获取条目信息，带短期缓存
func (m *MinioFS) Stat(ctx context.Context, name string) (*Entry, error) {
	name = utils.CleanPath(name)
	if cached, ok := m.cache.Get(name); ok {
		e := *cached.(*Entry)
		return &e, nil
	}

	entry, err := m.stat(ctx, name)
	if err != nil {
		return nil, err
	}
	m.cache.Set(name, entry, gocache.DefaultExpiration)
	e := *entry
	return &e, nil
}

func (m *MinioFS) stat(ctx context.Context, name string) (*Entry, error) {
	if name != "/" {
		info, err := m.client.StatObject(ctx, m.bucket, m.objectKey(name), minio.StatObjectOptions{})
		if err == nil {
			return m.documentEntry(name, info), nil
		}
		if !isNoSuchKey(err) {
			return nil, fmt.Errorf("stat object: %w", err)
		}
	}

	prefix := m.collectionPrefix(name)
	if prefix != "" {
		info, err := m.client.StatObject(ctx, m.bucket, prefix, minio.StatObjectOptions{})
		if err == nil {
			return m.collectionEntry(name, info.LastModified), nil
		}
		if !isNoSuchKey(err) {
			return nil, fmt.Errorf("stat collection marker: %w", err)
		}
	} else {
		return m.collectionEntry("/", time.Time{}), nil
	}

	// 没有标记对象但存在子对象时视为隐式集合
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range m.client.ListObjects(lctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		return m.collectionEntry(name, obj.LastModified), nil
	}
	return nil, ErrNotFound
}

func (m *MinioFS) documentEntry(name string, info minio.ObjectInfo) *Entry {
	e := &Entry{
		Path:        name,
		Name:        utils.BaseName(name),
		Size:        info.Size,
		ContentType: info.ContentType,
		ModTime:     info.LastModified.UTC(),
	}
	if e.ContentType == "" {
		e.ContentType = DetermineMimeType(e.Name)
	}
	e.ETag = ComputeETag(e)
	return e
}

func (m *MinioFS) collectionEntry(name string, modTime time.Time) *Entry {
	e := &Entry{
		Path:         name,
		Name:         utils.BaseName(name),
		IsCollection: true,
		ModTime:      modTime.UTC(),
	}
	e.ETag = ComputeETag(e)
	return e
}

// List 列出集合的直接子条目
func (m *MinioFS) List(ctx context.Context, name string) ([]*Entry, error) {
	name = utils.CleanPath(name)
	entry, err := m.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if !entry.IsCollection {
		return nil, ErrNotCollection
	}

	prefix := m.collectionPrefix(name)
	var entries []*Entry
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if strings.HasSuffix(rel, "/") {
			entries = append(entries, m.collectionEntry(utils.JoinPath(name, strings.TrimSuffix(rel, "/")), obj.LastModified))
			continue
		}
		entries = append(entries, m.documentEntry(utils.JoinPath(name, rel), obj))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (m *MinioFS) checkParent(ctx context.Context, name string) error {
	parent, err := m.Stat(ctx, utils.ParentPath(name))
	if err != nil {
		if err == ErrNotFound {
			return ErrConflict
		}
		return err
	}
	if !parent.IsCollection {
		return ErrConflict
	}
	return nil
}

// Mkdir 创建集合标记对象
func (m *MinioFS) Mkdir(ctx context.Context, name string) error {
	name = utils.CleanPath(name)
	if _, err := m.Stat(ctx, name); err == nil {
		return ErrExists
	} else if err != ErrNotFound {
		return err
	}
	if err := m.checkParent(ctx, name); err != nil {
		return err
	}

	_, err := m.client.PutObject(ctx, m.bucket, m.collectionPrefix(name), strings.NewReader(""), 0, minio.PutObjectOptions{
		ContentType: directoryContentType,
	})
	m.cache.Flush()
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	return nil
}

// Open 读取文档内容
func (m *MinioFS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	entry, err := m.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if entry.IsCollection {
		return nil, ErrIsCollection
	}
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

// Write 上传文档内容
func (m *MinioFS) Write(ctx context.Context, name string, r io.Reader, contentType string) (*Entry, bool, error) {
	name = utils.CleanPath(name)
	if err := m.checkParent(ctx, name); err != nil {
		return nil, false, err
	}

	created := true
	existing, err := m.Stat(ctx, name)
	switch {
	case err == nil && existing.IsCollection:
		return nil, false, ErrIsCollection
	case err == nil:
		created = false
	case err != ErrNotFound:
		return nil, false, err
	}

	if contentType == "" {
		contentType = DetermineMimeType(name)
	}
	_, err = m.client.PutObject(ctx, m.bucket, m.objectKey(name), r, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	m.cache.Flush()
	if err != nil {
		return nil, false, fmt.Errorf("put object: %w", err)
	}

	entry, err := m.Stat(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// Remove 删除文档或整个集合
func (m *MinioFS) Remove(ctx context.Context, name string) error {
	name = utils.CleanPath(name)
	entry, err := m.Stat(ctx, name)
	if err != nil {
		return err
	}
	defer m.cache.Flush()

	if !entry.IsCollection {
		if err := m.client.RemoveObject(ctx, m.bucket, m.objectKey(name), minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete object: %w", err)
		}
		return nil
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{
		Prefix:    m.collectionPrefix(name),
		Recursive: true,
	}
	objectsCh, listErr := forwardObjects(listCtx, m.client.ListObjects(listCtx, m.bucket, opts))

	var removeErr error
	for rerr := range m.client.RemoveObjects(listCtx, m.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil && removeErr == nil {
			removeErr = rerr.Err
			cancel()
		}
	}
	cancel()

	if removeErr != nil {
		return fmt.Errorf("delete folder: %w", removeErr)
	}
	if err := listErr(); err != nil {
		return fmt.Errorf("list folder: %w", err)
	}
	return nil
}

// forwardObjects 把列举结果转发给批量删除，遇到列举错误即停止。
// ctx 取消后转发协程退出；返回的函数等待协程结束并给出列举错误。
func forwardObjects(ctx context.Context, in <-chan minio.ObjectInfo) (<-chan minio.ObjectInfo, func() error) {
	out := make(chan minio.ObjectInfo)
	done := make(chan struct{})
	var listErr error
	go func() {
		defer close(done)
		defer close(out)
		for object := range in {
			if object.Err != nil {
				listErr = object.Err
				return
			}
			select {
			case out <- object:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() error {
		<-done
		return listErr
	}
}

// CopyFile 在同一个桶内复制文档
func (m *MinioFS) CopyFile(ctx context.Context, src, dst string) error {
	if err := m.checkParent(ctx, dst); err != nil {
		return err
	}
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: m.objectKey(dst)},
		minio.CopySrcOptions{Bucket: m.bucket, Object: m.objectKey(src)},
	)
	m.cache.Flush()
	if err != nil {
		return fmt.Errorf("copy object: %w", err)
	}
	return nil
}
