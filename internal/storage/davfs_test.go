package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, fs FileSystem, name string) string {
	t.Helper()
	rc, err := fs.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestDavFS_MemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	fs := NewMemoryFS()

	t.Run("创建集合", func(t *testing.T) {
		require.NoError(t, fs.Mkdir(ctx, "/docs"))
		assert.ErrorIs(t, fs.Mkdir(ctx, "/docs"), ErrExists)
		assert.ErrorIs(t, fs.Mkdir(ctx, "/missing/child"), ErrConflict)
	})

	t.Run("写入文档", func(t *testing.T) {
		entry, created, err := fs.Write(ctx, "/docs/a.txt", strings.NewReader("hello"), "")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(5), entry.Size)
		assert.Equal(t, "a.txt", entry.Name)
		assert.NotEmpty(t, entry.ETag)

		_, created, err = fs.Write(ctx, "/docs/a.txt", strings.NewReader("world!"), "")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "world!", readAll(t, fs, "/docs/a.txt"))
	})

	t.Run("父集合不存在", func(t *testing.T) {
		_, _, err := fs.Write(ctx, "/nope/a.txt", strings.NewReader("x"), "")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("集合不能作为文档写入或读取", func(t *testing.T) {
		_, _, err := fs.Write(ctx, "/docs", strings.NewReader("x"), "")
		assert.ErrorIs(t, err, ErrIsCollection)
		_, err = fs.Open(ctx, "/docs")
		assert.ErrorIs(t, err, ErrIsCollection)
	})

	t.Run("列表按名称排序", func(t *testing.T) {
		_, _, err := fs.Write(ctx, "/docs/c.txt", strings.NewReader("c"), "")
		require.NoError(t, err)
		require.NoError(t, fs.Mkdir(ctx, "/docs/b"))

		entries, err := fs.List(ctx, "/docs")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "a.txt", entries[0].Name)
		assert.Equal(t, "b", entries[1].Name)
		assert.True(t, entries[1].IsCollection)
		assert.Equal(t, "/docs/c.txt", entries[2].Path)

		_, err = fs.List(ctx, "/docs/a.txt")
		assert.ErrorIs(t, err, ErrNotCollection)
	})

	t.Run("重命名", func(t *testing.T) {
		require.NoError(t, fs.Rename(ctx, "/docs/c.txt", "/docs/b/c.txt"))
		_, err := fs.Stat(ctx, "/docs/c.txt")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, "c", readAll(t, fs, "/docs/b/c.txt"))
	})

	t.Run("递归删除", func(t *testing.T) {
		require.NoError(t, fs.Remove(ctx, "/docs"))
		_, err := fs.Stat(ctx, "/docs/b/c.txt")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, fs.Remove(ctx, "/docs"), ErrNotFound)
	})
}

// failingReader 读出 data 之后返回 err
type failingReader struct {
	data string
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.data == "" {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestDavFS_FailedWriteKeepsDocument(t *testing.T) {
	errBroken := errors.New("connection reset")

	tests := []struct {
		name string
		open func(t *testing.T) *DavFS
	}{
		{name: "内存", open: func(t *testing.T) *DavFS { return NewMemoryFS() }},
		{name: "本地目录", open: func(t *testing.T) *DavFS {
			fs, err := NewLocalFS(t.TempDir())
			require.NoError(t, err)
			return fs
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fs := tt.open(t)
			require.NoError(t, fs.Mkdir(ctx, "/docs"))
			_, _, err := fs.Write(ctx, "/docs/a.txt", strings.NewReader("good"), "")
			require.NoError(t, err)

			_, _, err = fs.Write(ctx, "/docs/a.txt", &failingReader{data: "0123", err: errBroken}, "")
			assert.ErrorIs(t, err, errBroken)
			assert.Equal(t, "good", readAll(t, fs, "/docs/a.txt"))

			// 新建时失败不留下任何条目
			_, _, err = fs.Write(ctx, "/docs/new.txt", &failingReader{data: "01", err: errBroken}, "")
			assert.ErrorIs(t, err, errBroken)
			_, err = fs.Stat(ctx, "/docs/new.txt")
			assert.ErrorIs(t, err, ErrNotFound)

			entries, err := fs.List(ctx, "/docs")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "a.txt", entries[0].Name)
		})
	}
}

func TestDavFS_Local(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewLocalFS(root)
	require.NoError(t, err)

	require.NoError(t, fs.Mkdir(ctx, "/dir"))
	_, created, err := fs.Write(ctx, "/dir/file.json", strings.NewReader(`{"a":1}`), "")
	require.NoError(t, err)
	assert.True(t, created)

	data, err := os.ReadFile(filepath.Join(root, "dir", "file.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	entry, err := fs.Stat(ctx, "/dir/file.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", entry.ContentType)

	root2, err := fs.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, root2.IsCollection)
}

func TestComputeETag(t *testing.T) {
	a := &Entry{Path: "/a", Size: 1}
	b := &Entry{Path: "/a", Size: 2}
	assert.NotEqual(t, ComputeETag(a), ComputeETag(b))
	assert.Equal(t, ComputeETag(a), ComputeETag(&Entry{Path: "/a", Size: 1}))
	assert.True(t, strings.HasPrefix(ComputeETag(a), `"`))
}
