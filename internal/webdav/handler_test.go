package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdav-gateway/davengine/internal/models"
	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/webdav/engine"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
	"github.com/webdav-gateway/davengine/internal/webdav/property"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

// ========================================
// Test Setup and Utilities
// ========================================

type testServer struct {
	router *gin.Engine
	fs     storage.FileSystem
	props  property.Store
	locks  *lock.LockManager
}

type serverOptions struct {
	fs        storage.FileSystem
	noLocking bool
	home      string
	handler   []Option
}

func newTestServer(t *testing.T, so serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := &testServer{fs: so.fs, props: property.NewMemoryStore()}
	if s.fs == nil {
		s.fs = storage.NewMemoryFS()
	}

	opts := []Option{WithPrefix("/dav"), WithLogger(logger)}
	if !so.noLocking {
		locks, err := lock.NewManager(context.Background(), lock.DefaultPolicy(), lock.WithLogger(logger))
		require.NoError(t, err)
		t.Cleanup(func() { locks.Close() })
		s.locks = locks
		opts = append(opts, WithLockManager(locks))
	}
	h := NewHandler(s.fs, s.props, append(opts, so.handler...)...)
	d := NewDispatcher(h, h.Class2(), davxml.NewFormatter(false))

	s.router = gin.New()
	s.router.NoRoute(d.NoRoute)
	group := s.router.Group("/dav")
	if so.home != "" {
		group.Use(func(c *gin.Context) {
			c.Set(models.ContextKeyHomePath, so.home)
			c.Next()
		})
	}
	d.RegisterRoutes(group)
	return s
}

func (s *testServer) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

const (
	lockExclusiveBody = `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>alice</D:href></D:owner></D:lockinfo>`
	lockSharedBody = `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockinfo>`
)

func proppatchBody(inner string) string {
	return `<?xml version="1.0" encoding="utf-8"?><D:propertyupdate xmlns:D="DAV:" xmlns:Z="urn:z">` + inner + `</D:propertyupdate>`
}

// buildTree 创建 /c/x.txt /c/d/y.txt /c/d/e/z.txt
func buildTree(t *testing.T, s *testServer) {
	t.Helper()
	require.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/c", "").Code)
	require.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/c/d", "").Code)
	require.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/c/d/e", "").Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/c/x.txt", "x").Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/c/d/y.txt", "y").Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/c/d/e/z.txt", "z").Code)
	w := s.do(t, "PROPPATCH", "/dav/c/d/e/z.txt", proppatchBody(`<D:set><D:prop><Z:color>leaf</Z:color></D:prop></D:set>`))
	require.Equal(t, http.StatusMultiStatus, w.Code)
}

// ========================================
// Dispatcher Tests
// ========================================

func TestDispatcher_Options(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(t, http.MethodOptions, "/dav/", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1, 2", w.Header().Get("DAV"))
	assert.Contains(t, w.Header().Get("Allow"), "PROPFIND")
	assert.Contains(t, w.Header().Get("Allow"), "LOCK")
}

func TestDispatcher_WithoutLocking(t *testing.T) {
	s := newTestServer(t, serverOptions{noLocking: true})

	w := s.do(t, http.MethodOptions, "/dav/", "")
	assert.Equal(t, "1", w.Header().Get("DAV"))
	assert.NotContains(t, w.Header().Get("Allow"), "LOCK")

	w = s.do(t, "LOCK", "/dav/a", lockExclusiveBody)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "<D:error")
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(t, "SEARCH", "/dav/a", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestDispatcher_Classes(t *testing.T) {
	h := NewHandler(storage.NewMemoryFS(), property.NewMemoryStore())
	d := NewDispatcher(h, h.Class2(), davxml.NewFormatter(false))

	assert.Equal(t, []string{"1"}, d.Classes())
	assert.Len(t, d.Methods(), 10)
	assert.NotNil(t, d.Formatter())
}

// ========================================
// GET / HEAD / PUT / DELETE / MKCOL
// ========================================

func TestPutGetHead(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := s.do(t, http.MethodPut, "/dav/a.txt", "hello")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = s.do(t, http.MethodPut, "/dav/a.txt", "hello world")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/dav/a.txt", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "11", w.Header().Get("Content-Length"))
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = s.do(t, http.MethodHead, "/dav/a.txt", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "11", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.String())

	w = s.do(t, http.MethodGet, "/dav/missing.txt", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPut_Errors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		limit    int64
		wantCode int
	}{
		{name: "父目录不存在", target: "/dav/nodir/a.txt", body: "x", wantCode: http.StatusConflict},
		{name: "目标是集合", target: "/dav/col", body: "x", wantCode: http.StatusMethodNotAllowed},
		{name: "超过大小限制", target: "/dav/big.bin", body: "0123456789", limit: 4, wantCode: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{handler: []Option{WithMaxUploadSize(tt.limit)}})
			require.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/col", "").Code)

			w := s.do(t, http.MethodPut, tt.target, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestPut_OversizeKeepsDocument(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
	}{
		{name: "声明类型", contentType: "text/plain"},
		{name: "嗅探类型"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{handler: []Option{WithMaxUploadSize(4)}})
			require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/a.txt", "good").Code)

			// 分块传输，没有 Content-Length
			req := httptest.NewRequest(http.MethodPut, "/dav/a.txt", io.MultiReader(strings.NewReader("0123456789")))
			require.Equal(t, int64(-1), req.ContentLength)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

			w = s.do(t, http.MethodGet, "/dav/a.txt", "")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "good", w.Body.String())
		})
	}
}

func TestPut_SniffsContentType(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(t, http.MethodPut, "/dav/page", "<html><body>hi</body></html>")
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/dav/page", "")
	assert.Equal(t, "<html><body>hi</body></html>", w.Body.String())
}

func TestMkcol(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	assert.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/col", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, "MKCOL", "/dav/col", "").Code)
	assert.Equal(t, http.StatusConflict, s.do(t, "MKCOL", "/dav/a/b", "").Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, s.do(t, "MKCOL", "/dav/other", "<x/>").Code)
}

func TestMkcol_ChunkedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "空的分块实体", body: "", want: http.StatusCreated},
		{name: "非空的分块实体", body: "<x/>", want: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{})
			req := httptest.NewRequest("MKCOL", "/dav/col", io.MultiReader(strings.NewReader(tt.body)))
			require.Equal(t, int64(-1), req.ContentLength)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetCollection_LastModified(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("a"), 0o644))

	dirTime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	fileTime := time.Date(2023, 6, 7, 8, 9, 10, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "docs", "a.txt"), fileTime, fileTime))
	require.NoError(t, os.Chtimes(filepath.Join(root, "docs"), dirTime, dirTime))

	fs, err := storage.NewLocalFS(root)
	require.NoError(t, err)
	s := newTestServer(t, serverOptions{fs: fs})

	w := s.do(t, http.MethodGet, "/dav/docs/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dirTime.Format(http.TimeFormat), w.Header().Get("Last-Modified"))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), `href="/dav/docs/a.txt"`)

	w = s.do(t, http.MethodHead, "/dav/docs/", "")
	assert.Equal(t, dirTime.Format(http.TimeFormat), w.Header().Get("Last-Modified"))
}

func TestDelete(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	buildTree(t, s)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/dav/c/d", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/dav/c/d/y.txt", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/dav/c/x.txt", "").Code)

	props, err := s.props.GetProperties(context.Background(), "/c/d/e/z.txt")
	require.NoError(t, err)
	assert.Empty(t, props)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/dav/c/d", "").Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, "/dav/", "").Code)
}

func TestHomePath(t *testing.T) {
	s := newTestServer(t, serverOptions{home: "/users/alice"})
	require.NoError(t, s.fs.Mkdir(context.Background(), "/users"))
	require.NoError(t, s.fs.Mkdir(context.Background(), "/users/alice"))

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/a.txt", "a").Code)
	_, err := s.fs.Stat(context.Background(), "/users/alice/a.txt")
	require.NoError(t, err)

	w := s.do(t, "PROPFIND", "/dav/a.txt", "", "Depth", "0")
	assert.Contains(t, w.Body.String(), "<D:href>/dav/a.txt</D:href>")
}

// ========================================
// PROPFIND / PROPPATCH
// ========================================

func TestPropfind_Depth(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	buildTree(t, s)

	tests := []struct {
		name  string
		depth string
		want  int
	}{
		{name: "深度0", depth: "0", want: 1},
		{name: "深度1", depth: "1", want: 3},
		{name: "无限深度", depth: "infinity", want: 6},
		{name: "默认无限深度", depth: "", want: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "PROPFIND", "/dav/c", "", "Depth", tt.depth)
			require.Equal(t, http.StatusMultiStatus, w.Code)
			assert.Equal(t, tt.want, strings.Count(w.Body.String(), "<D:response>"))
		})
	}

	w := s.do(t, "PROPFIND", "/dav/c", "", "Depth", "1")
	assert.Contains(t, w.Body.String(), "<D:href>/dav/c/</D:href>")
	assert.Contains(t, w.Body.String(), "<D:href>/dav/c/d/</D:href>")
	assert.Contains(t, w.Body.String(), "<D:href>/dav/c/x.txt</D:href>")
	assert.Contains(t, w.Body.String(), "<D:resourcetype><D:collection/></D:resourcetype>")
}

func TestPropfind_Modes(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	buildTree(t, s)

	t.Run("propname", func(t *testing.T) {
		body := `<?xml version="1.0"?><D:propfind xmlns:D="DAV:"><D:propname/></D:propfind>`
		w := s.do(t, "PROPFIND", "/dav/c/d/e/z.txt", body, "Depth", "0")
		require.Equal(t, http.StatusMultiStatus, w.Code)
		assert.Contains(t, w.Body.String(), "<D:getetag></D:getetag>")
		assert.Contains(t, w.Body.String(), `<color xmlns="urn:z"></color>`)
		assert.NotContains(t, w.Body.String(), "leaf")
	})

	t.Run("指定属性", func(t *testing.T) {
		body := `<?xml version="1.0"?><D:propfind xmlns:D="DAV:" xmlns:Z="urn:z"><D:prop><Z:color/><Z:size/><D:getcontentlength/></D:prop></D:propfind>`
		w := s.do(t, "PROPFIND", "/dav/c/d/e/z.txt", body, "Depth", "0")
		require.Equal(t, http.StatusMultiStatus, w.Code)
		out := w.Body.String()
		assert.Contains(t, out, `<color xmlns="urn:z">leaf</color>`)
		assert.Contains(t, out, "<D:getcontentlength>1</D:getcontentlength>")
		assert.Contains(t, out, `<size xmlns="urn:z"></size>`)
		assert.Contains(t, out, "HTTP/1.1 404 Not Found")
	})

	t.Run("allprop包含锁属性", func(t *testing.T) {
		w := s.do(t, "PROPFIND", "/dav/c/x.txt", "", "Depth", "0")
		require.Equal(t, http.StatusMultiStatus, w.Code)
		assert.Contains(t, w.Body.String(), "<D:supportedlock>")
		assert.Contains(t, w.Body.String(), "<D:displayname>x.txt</D:displayname>")
	})
}

func TestPropfind_Errors(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	assert.Equal(t, http.StatusNotFound, s.do(t, "PROPFIND", "/dav/none", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "PROPFIND", "/dav/", "", "Depth", "2").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "PROPFIND", "/dav/", "<D:propfind xmlns:D=\"DAV:\">").Code)
}

func TestProppatch_PartialFailure(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/a.txt", "a").Code)

	body := proppatchBody(`<D:set><D:prop><Z:color>red</Z:color><D:getetag>"forged"</D:getetag></D:prop></D:set>`)
	w := s.do(t, "PROPPATCH", "/dav/a.txt", body)
	require.Equal(t, http.StatusMultiStatus, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "HTTP/1.1 200 OK")
	assert.Contains(t, out, "HTTP/1.1 403 Forbidden")
	assert.Contains(t, out, "<D:cannot-modify-protected-property>")

	props, err := s.props.GetProperties(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "color", props[0].Name.Local)
	assert.Equal(t, "red", props[0].Value)
}

func TestProppatch_RoundTrip(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/a.txt", "a").Code)

	w := s.do(t, "PROPPATCH", "/dav/a.txt", proppatchBody(
		`<D:set><D:prop><Z:color>red</Z:color><Z:shape>round</Z:shape></D:prop></D:set>`+
			`<D:remove><D:prop><Z:shape/></D:prop></D:remove>`))
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.NotContains(t, w.Body.String(), "403")

	w = s.do(t, "PROPFIND", "/dav/a.txt", "", "Depth", "0")
	assert.Contains(t, w.Body.String(), `<color xmlns="urn:z">red</color>`)
	assert.NotContains(t, w.Body.String(), "round")

	assert.Equal(t, http.StatusNotFound, s.do(t, "PROPPATCH", "/dav/missing", proppatchBody(`<D:set><D:prop><Z:a>1</Z:a></D:prop></D:set>`)).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "PROPPATCH", "/dav/a.txt", proppatchBody("")).Code)
}

// ========================================
// COPY / MOVE
// ========================================

func TestCopy_DeleteTarget(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	buildTree(t, s)
	require.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/t", "").Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/t/stale.txt", "old").Code)

	w := s.do(t, "COPY", "/dav/c", "", "Destination", "http://example.com/dav/t")
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/dav/t/stale.txt", "").Code)
	assert.Equal(t, "z", s.do(t, http.MethodGet, "/dav/t/d/e/z.txt", "").Body.String())
	assert.Equal(t, "z", s.do(t, http.MethodGet, "/dav/c/d/e/z.txt", "").Body.String())

	props, err := s.props.GetProperties(context.Background(), "/t/d/e/z.txt")
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "leaf", props[0].Value)
}

func TestCopy_OverwriteMerge(t *testing.T) {
	s := newTestServer(t, serverOptions{handler: []Option{WithTargetBehaviour(engine.Overwrite)}})
	buildTree(t, s)
	require.Equal(t, http.StatusCreated, s.do(t, "MKCOL", "/dav/t", "").Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/t/keep.txt", "keep").Code)

	require.Equal(t, http.StatusNoContent, s.do(t, "COPY", "/dav/c", "", "Destination", "/dav/t").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/dav/t/keep.txt", "").Code)
	assert.Equal(t, "x", s.do(t, http.MethodGet, "/dav/t/x.txt", "").Body.String())
}

func TestCopy_Headers(t *testing.T) {
	tests := []struct {
		name     string
		headers  []string
		wantCode int
	}{
		{name: "新建目标", headers: []string{"Destination", "/dav/new.txt"}, wantCode: http.StatusCreated},
		{name: "不允许覆盖", headers: []string{"Destination", "/dav/b.txt", "Overwrite", "F"}, wantCode: http.StatusPreconditionFailed},
		{name: "允许覆盖", headers: []string{"Destination", "/dav/b.txt", "Overwrite", "T"}, wantCode: http.StatusNoContent},
		{name: "缺少Destination", wantCode: http.StatusBadRequest},
		{name: "其他主机", headers: []string{"Destination", "http://other.host/dav/x"}, wantCode: http.StatusBadGateway},
		{name: "前缀不匹配", headers: []string{"Destination", "/elsewhere/x"}, wantCode: http.StatusBadGateway},
		{name: "深度1", headers: []string{"Destination", "/dav/y.txt", "Depth", "1"}, wantCode: http.StatusBadRequest},
		{name: "复制到自身", headers: []string{"Destination", "/dav/a.txt"}, wantCode: http.StatusForbidden},
		{name: "父目录不存在", headers: []string{"Destination", "/dav/no/a.txt"}, wantCode: http.StatusConflict},
		{name: "无效Overwrite", headers: []string{"Destination", "/dav/z.txt", "Overwrite", "maybe"}, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{})
			require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/a.txt", "a").Code)
			require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/b.txt", "b").Code)

			w := s.do(t, "COPY", "/dav/a.txt", "", tt.headers...)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestMove(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	buildTree(t, s)

	require.Equal(t, http.StatusCreated, s.do(t, "MOVE", "/dav/c", "", "Destination", "/dav/m").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "PROPFIND", "/dav/c", "", "Depth", "0").Code)
	assert.Equal(t, "y", s.do(t, http.MethodGet, "/dav/m/d/y.txt", "").Body.String())

	props, err := s.props.GetProperties(context.Background(), "/m/d/e/z.txt")
	require.NoError(t, err)
	require.Len(t, props, 1)
	old, err := s.props.GetProperties(context.Background(), "/c/d/e/z.txt")
	require.NoError(t, err)
	assert.Empty(t, old)

	assert.Equal(t, http.StatusBadRequest, s.do(t, "MOVE", "/dav/m", "", "Destination", "/dav/n", "Depth", "0").Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, "MOVE", "/dav/m", "", "Destination", "/dav/m/inner").Code)
}

func TestCopyMove_OntoAncestor(t *testing.T) {
	for _, method := range []string{"COPY", "MOVE"} {
		t.Run(method+"到父集合", func(t *testing.T) {
			s := newTestServer(t, serverOptions{})
			buildTree(t, s)

			w := s.do(t, method, "/dav/c/d", "", "Destination", "http://example.com/dav/c", "Overwrite", "T")
			assert.Equal(t, http.StatusForbidden, w.Code)

			// 两棵树都保持原样
			assert.Equal(t, "x", s.do(t, http.MethodGet, "/dav/c/x.txt", "").Body.String())
			assert.Equal(t, "y", s.do(t, http.MethodGet, "/dav/c/d/y.txt", "").Body.String())
			assert.Equal(t, "z", s.do(t, http.MethodGet, "/dav/c/d/e/z.txt", "").Body.String())
			assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/dav/c/y.txt", "").Code)

			props, err := s.props.GetProperties(context.Background(), "/c/d/e/z.txt")
			require.NoError(t, err)
			assert.Len(t, props, 1)
		})
	}
}

func TestMove_ReleasesSourceLocks(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/a.txt", "a").Code)

	w := s.do(t, "LOCK", "/dav/a.txt", lockExclusiveBody)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get("Lock-Token")

	assert.Equal(t, http.StatusLocked, s.do(t, "MOVE", "/dav/a.txt", "", "Destination", "/dav/b.txt").Code)
	assert.Equal(t, http.StatusCreated, s.do(t, "MOVE", "/dav/a.txt", "", "Destination", "/dav/b.txt", "If", "("+token+")").Code)
	assert.Equal(t, 0, s.locks.ActiveCount())
}

// ========================================
// LOCK / UNLOCK
// ========================================

func TestLockUnlockScenario(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	// 锁定未映射的 URL 会创建空文档
	w := s.do(t, "LOCK", "/dav/a", lockExclusiveBody, "Timeout", "Second-100")
	require.Equal(t, http.StatusCreated, w.Code)
	token := w.Header().Get("Lock-Token")
	require.True(t, strings.HasPrefix(token, "<opaquelocktoken:"))
	assert.Contains(t, w.Body.String(), "<D:timeout>Second-100</D:timeout>")
	assert.Contains(t, w.Body.String(), "<D:lockroot><D:href>/dav/a</D:href></D:lockroot>")
	assert.Contains(t, w.Body.String(), "<D:owner><D:href>alice</D:href></D:owner>")

	w = s.do(t, "LOCK", "/dav/a", lockSharedBody)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "<D:no-conflicting-lock>")

	w = s.do(t, http.MethodPut, "/dav/a", "data")
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "<D:lock-token-submitted>")

	w = s.do(t, http.MethodPut, "/dav/a", "data", "If", "("+token+")")
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, "UNLOCK", "/dav/a", "", "Lock-Token", token).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "UNLOCK", "/dav/a", "", "Lock-Token", token).Code)

	w = s.do(t, "LOCK", "/dav/a", lockSharedBody, "Depth", "0")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<D:depth>0</D:depth>")
}

func TestLock_Refresh(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(t, "LOCK", "/dav/a", lockExclusiveBody)
	require.Equal(t, http.StatusCreated, w.Code)
	token := w.Header().Get("Lock-Token")

	w = s.do(t, "LOCK", "/dav/a", "", "If", "("+token+")", "Timeout", "Second-60")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<D:timeout>Second-60</D:timeout>")

	assert.Equal(t, http.StatusNotFound, s.do(t, "LOCK", "/dav/a", "", "If", "(<opaquelocktoken:unknown>)").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "LOCK", "/dav/a", "").Code)
}

func TestLock_Errors(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	assert.Equal(t, http.StatusBadRequest, s.do(t, "LOCK", "/dav/a", lockExclusiveBody, "Depth", "1").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "LOCK", "/dav/a", `<D:lockinfo xmlns:D="DAV:"/>`).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, "LOCK", "/dav/no/a", lockExclusiveBody).Code)
	assert.Equal(t, 0, s.locks.ActiveCount())
}

func TestUnlock_Errors(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/b", "b").Code)
	w := s.do(t, "LOCK", "/dav/a", lockExclusiveBody, "Depth", "0")
	require.Equal(t, http.StatusCreated, w.Code)
	token := w.Header().Get("Lock-Token")

	assert.Equal(t, http.StatusBadRequest, s.do(t, "UNLOCK", "/dav/a", "").Code)

	w = s.do(t, "UNLOCK", "/dav/b", "", "Lock-Token", token)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "<D:lock-token-matches-request-uri>")
}

func TestLock_ProtectsDescendants(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	buildTree(t, s)

	w := s.do(t, "LOCK", "/dav/c", lockExclusiveBody)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get("Lock-Token")

	assert.Equal(t, http.StatusLocked, s.do(t, http.MethodPut, "/dav/c/d/new.txt", "n").Code)
	assert.Equal(t, http.StatusLocked, s.do(t, "PROPPATCH", "/dav/c/x.txt", proppatchBody(`<D:set><D:prop><Z:a>1</Z:a></D:prop></D:set>`)).Code)
	assert.Equal(t, http.StatusLocked, s.do(t, "LOCK", "/dav/c/d", lockSharedBody).Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPut, "/dav/c/d/new.txt", "n", "If", "("+token+")").Code)

	w = s.do(t, "PROPFIND", "/dav/c/d", "", "Depth", "0")
	assert.Contains(t, w.Body.String(), "<D:lockroot><D:href>/dav/c</D:href></D:lockroot>")

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/dav/c", "", "If", "("+token+")").Code)
	assert.Equal(t, 0, s.locks.ActiveCount())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "不存在", err: storage.ErrNotFound, want: http.StatusNotFound},
		{name: "无此锁", err: lock.ErrNoLock, want: http.StatusNotFound},
		{name: "已存在", err: storage.ErrExists, want: http.StatusMethodNotAllowed},
		{name: "冲突", err: storage.ErrConflict, want: http.StatusConflict},
		{name: "锁范围无效", err: lock.ErrInvalidLockRange, want: http.StatusConflict},
		{name: "锁冲突", err: &lock.ConflictError{Lock: &lock.ActiveLock{}}, want: http.StatusLocked},
		{name: "被锁定", err: &lock.LockedError{Lock: &lock.ActiveLock{}}, want: http.StatusLocked},
		{name: "后端不可用", err: property.ErrBackendUnavailable, want: http.StatusInternalServerError},
		{name: "请求体无效", err: davxml.ErrInvalidBody, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
