package webdav

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-gateway/davengine/internal/models"
	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/engine"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
	"github.com/webdav-gateway/davengine/internal/webdav/property"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

// sniffLen 缺少 Content-Type 时用于探测类型的字节数
const sniffLen = 3072

type Handler struct {
	fs        storage.FileSystem
	props     property.Store
	locks     lock.Manager
	engine    *engine.Engine
	formatter davxml.Formatter
	logger    logrus.FieldLogger
	prefix    string
	maxUpload int64
	behaviour engine.TargetBehaviour
	now       func() time.Time
}

// Option Handler 选项
type Option func(*Handler)

// WithLockManager 启用二级兼容（锁定）
func WithLockManager(m lock.Manager) Option {
	return func(h *Handler) { h.locks = m }
}

// WithPrefix 设置 WebDAV 路由前缀，用于生成 href 和解析 Destination
func WithPrefix(prefix string) Option {
	return func(h *Handler) { h.prefix = strings.TrimSuffix(prefix, "/") }
}

// WithMaxUploadSize 限制 PUT 请求体大小，0 表示不限制
func WithMaxUploadSize(n int64) Option {
	return func(h *Handler) { h.maxUpload = n }
}

// WithTargetBehaviour 设置 COPY/MOVE 覆盖已存在目标时的行为
func WithTargetBehaviour(b engine.TargetBehaviour) Option {
	return func(h *Handler) { h.behaviour = b }
}

// WithFormatter 设置 XML 输出格式化器
func WithFormatter(f davxml.Formatter) Option {
	return func(h *Handler) { h.formatter = f }
}

// WithLogger 设置日志
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithEngine 设置复制/移动引擎
func WithEngine(e *engine.Engine) Option {
	return func(h *Handler) { h.engine = e }
}

func NewHandler(fs storage.FileSystem, props property.Store, opts ...Option) *Handler {
	h := &Handler{
		fs:        fs,
		props:     props,
		formatter: davxml.NewFormatter(false),
		logger:    logrus.StandardLogger(),
		behaviour: engine.DeleteTarget,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.engine == nil {
		h.engine = engine.New(engine.WithLogger(h.logger))
	}
	return h
}

// Class2 锁定未启用时返回 nil，供 NewDispatcher 使用
func (h *Handler) Class2() Class2 {
	if h.locks == nil {
		return nil
	}
	return h
}

// ========================================
// 路径与错误处理
// ========================================

func (h *Handler) homePath(c *gin.Context) string {
	if home := c.GetString(models.ContextKeyHomePath); home != "" {
		return utils.CleanPath(home)
	}
	return "/"
}

// resourcePath 请求 URL 对应的资源路径
func (h *Handler) resourcePath(c *gin.Context) string {
	return utils.JoinPath(h.homePath(c), c.Param("path"))
}

// href 资源路径对应的 URL，集合以 / 结尾
func (h *Handler) href(c *gin.Context, p string, isCollection bool) string {
	rel, ok := utils.StripPrefix(p, h.homePath(c))
	if !ok {
		rel = p
	}
	full := rel
	if h.prefix != "" {
		full = utils.JoinPath(h.prefix, rel)
	}
	href := utils.EscapeHref(full)
	if isCollection && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	return href
}

func (h *Handler) requestLogger(c *gin.Context) logrus.FieldLogger {
	return h.logger.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
		"user":   c.GetString(models.ContextKeyUsername),
	})
}

// statusFor 将错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, lock.ErrNotFound), errors.Is(err, lock.ErrNoLock):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrExists), errors.Is(err, storage.ErrIsCollection):
		return http.StatusMethodNotAllowed
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotCollection),
		errors.Is(err, lock.ErrInvalidLockRange):
		return http.StatusConflict
	case errors.Is(err, lock.ErrConflict), errors.Is(err, lock.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, engine.ErrSameResource), errors.Is(err, engine.ErrRecursiveTarget),
		errors.Is(err, engine.ErrAncestorTarget):
		return http.StatusForbidden
	case errors.Is(err, davxml.ErrInvalidBody), errors.Is(err, davxml.ErrEmptyBody),
		errors.Is(err, ErrInvalidDepth), errors.Is(err, ErrInvalidOverwrite),
		errors.Is(err, ErrInvalidDestination), errors.Is(err, ErrInvalidLockToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrForeignDestination):
		return http.StatusBadGateway
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	var pe *types.PropertyError
	if errors.As(err, &pe) && pe.Code != 0 {
		return pe.Code
	}
	return http.StatusInternalServerError
}

// writeError 输出错误响应，锁相关错误附带 DAV:error 条件
func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.requestLogger(c).WithError(err).Error("WebDAV request failed")
	}

	var (
		locked   *lock.LockedError
		conflict *lock.ConflictError
	)
	switch {
	case errors.As(err, &locked):
		h.writeXML(c, status, davxml.NewErrorBody(types.ConditionLockTokenSubmitted, h.href(c, locked.Lock.Path, false)))
	case errors.As(err, &conflict):
		h.writeXML(c, status, davxml.NewErrorBody(types.ConditionNoConflictingLock, h.href(c, conflict.Lock.Path, false)))
	case errors.Is(err, lock.ErrInvalidLockRange):
		h.writeXML(c, status, davxml.NewErrorBody(types.ConditionLockTokenMatchesRequestURI))
	default:
		c.Status(status)
	}
	c.Abort()
}

func (h *Handler) writeXML(c *gin.Context, status int, body interface{}) {
	if err := h.formatter.Write(c.Writer, status, body); err != nil {
		h.requestLogger(c).WithError(err).Warn("Failed to write XML response")
	}
}

// checkLocks 写操作前检查锁，令牌来自 If 头
func (h *Handler) checkLocks(c *gin.Context, p string, recursive bool) error {
	if h.locks == nil {
		return nil
	}
	tokens := ParseIfTokens(c.GetHeader("If"))
	return h.locks.CheckWrite(c.Request.Context(), p, recursive, tokens)
}

func setEntryHeaders(c *gin.Context, e *storage.Entry) {
	c.Header("Last-Modified", e.ModTime.UTC().Format(http.TimeFormat))
	if e.ETag != "" {
		c.Header("ETag", e.ETag)
	}
}

// ========================================
// OPTIONS / GET / HEAD
// ========================================

func (h *Handler) HandleOptions(c *gin.Context) {
	c.Header("MS-Author-Via", "DAV")
	c.Header("Accept-Ranges", "none")
	c.Status(http.StatusOK)
}

func (h *Handler) HandleGet(c *gin.Context) {
	h.serveResource(c, true)
}

func (h *Handler) HandleHead(c *gin.Context) {
	h.serveResource(c, false)
}

func (h *Handler) serveResource(c *gin.Context, withBody bool) {
	ctx := c.Request.Context()
	requestPath := h.resourcePath(c)

	entry, err := h.fs.Stat(ctx, requestPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	setEntryHeaders(c, entry)

	if entry.IsCollection {
		h.serveCollection(c, entry, withBody)
		return
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !withBody {
		c.Header("Content-Type", contentType)
		c.Header("Content-Length", strconv.FormatInt(entry.Size, 10))
		c.Status(http.StatusOK)
		return
	}

	rc, err := h.fs.Open(ctx, requestPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, entry.Size, contentType, rc, nil)
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><table>
{{range .Items}}<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td>{{.Size}}</td><td>{{.Modified}}</td></tr>
{{end}}</table></body></html>
`))

type listingItem struct {
	Href     string
	Name     string
	Size     string
	Modified string
}

// serveCollection 集合的 GET 返回简单的 HTML 目录页，Last-Modified 取集合自身的修改时间
func (h *Handler) serveCollection(c *gin.Context, entry *storage.Entry, withBody bool) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	if !withBody {
		c.Status(http.StatusOK)
		return
	}

	children, err := h.fs.List(c.Request.Context(), entry.Path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	data := struct {
		Title string
		Items []listingItem
	}{Title: h.href(c, entry.Path, true)}
	for _, child := range children {
		if h.props.IgnoreEntry(child) {
			continue
		}
		item := listingItem{
			Href:     h.href(c, child.Path, child.IsCollection),
			Name:     child.Name,
			Modified: humanize.Time(child.ModTime),
		}
		if child.IsCollection {
			item.Name += "/"
		} else {
			item.Size = humanize.Bytes(uint64(child.Size))
		}
		data.Items = append(data.Items, item)
	}

	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, data); err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// ========================================
// PUT / DELETE / MKCOL
// ========================================

func (h *Handler) HandlePut(c *gin.Context) {
	ctx := c.Request.Context()
	requestPath := h.resourcePath(c)

	if err := h.checkLocks(c, requestPath, false); err != nil {
		h.writeError(c, err)
		return
	}
	if entry, err := h.fs.Stat(ctx, requestPath); err == nil && entry.IsCollection {
		c.Status(http.StatusMethodNotAllowed)
		return
	}

	body := io.Reader(c.Request.Body)
	if h.maxUpload > 0 {
		if c.Request.ContentLength > h.maxUpload {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	contentType := c.GetHeader("Content-Type")
	if contentType == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			h.writeError(c, err)
			return
		}
		contentType = mimetype.Detect(head[:n]).String()
		body = io.MultiReader(bytes.NewReader(head[:n]), body)
	}

	entry, created, err := h.fs.Write(ctx, requestPath, body, contentType)
	if err != nil {
		h.writeError(c, err)
		return
	}

	setEntryHeaders(c, entry)
	if created {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) HandleDelete(c *gin.Context) {
	ctx := c.Request.Context()
	requestPath := h.resourcePath(c)

	if requestPath == h.homePath(c) {
		c.Status(http.StatusForbidden)
		return
	}
	if err := h.checkLocks(c, requestPath, true); err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.fs.Stat(ctx, requestPath); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.fs.Remove(ctx, requestPath); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.props.RemoveAll(ctx, requestPath); err != nil {
		h.writeError(c, err)
		return
	}
	h.releaseLocks(ctx, c, requestPath)

	c.Status(http.StatusNoContent)
}

// releaseLocks 资源被删除或移走后释放其子树上的锁
func (h *Handler) releaseLocks(ctx context.Context, c *gin.Context, p string) {
	if h.locks == nil {
		return
	}
	if err := h.locks.RemoveUnder(ctx, p); err != nil {
		h.requestLogger(c).WithError(err).Warn("Failed to release locks")
	}
}

func (h *Handler) HandleMkcol(c *gin.Context) {
	requestPath := h.resourcePath(c)

	if hasBody(c.Request) {
		c.Status(http.StatusUnsupportedMediaType)
		return
	}
	if err := h.checkLocks(c, requestPath, false); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.fs.Mkdir(c.Request.Context(), requestPath); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

// hasBody 判断请求是否带有实体；分块传输（长度未知）时读取一个字节确认
func hasBody(r *http.Request) bool {
	if r.ContentLength > 0 {
		return true
	}
	if r.ContentLength == 0 || r.Body == nil || r.Body == http.NoBody {
		return false
	}
	var b [1]byte
	n, _ := io.ReadFull(r.Body, b[:])
	return n > 0
}
