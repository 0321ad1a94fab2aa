package webdav

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/webdav-gateway/davengine/internal/types"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

// WebDAV 扩展方法
const (
	MethodPropfind  = "PROPFIND"
	MethodProppatch = "PROPPATCH"
	MethodMkcol     = "MKCOL"
	MethodCopy      = "COPY"
	MethodMove      = "MOVE"
	MethodLock      = "LOCK"
	MethodUnlock    = "UNLOCK"
)

// Class1 一级兼容必须实现的方法
type Class1 interface {
	HandleOptions(c *gin.Context)
	HandleGet(c *gin.Context)
	HandleHead(c *gin.Context)
	HandlePut(c *gin.Context)
	HandleDelete(c *gin.Context)
	HandlePropfind(c *gin.Context)
	HandleProppatch(c *gin.Context)
	HandleMkcol(c *gin.Context)
	HandleCopy(c *gin.Context)
	HandleMove(c *gin.Context)
}

// Class2 二级兼容（锁定）
type Class2 interface {
	HandleLock(c *gin.Context)
	HandleUnlock(c *gin.Context)
}

// Dispatcher 汇总支持的兼容级别和输出格式化器，是 HTTP 层的唯一入口
type Dispatcher struct {
	class1    Class1
	class2    Class2
	formatter davxml.Formatter
	methods   []string
	handlers  map[string]gin.HandlerFunc
}

// NewDispatcher 创建分发器，class2 为 nil 时不支持锁定
func NewDispatcher(class1 Class1, class2 Class2, formatter davxml.Formatter) *Dispatcher {
	d := &Dispatcher{
		class1:    class1,
		class2:    class2,
		formatter: formatter,
		handlers:  make(map[string]gin.HandlerFunc),
	}
	if d.formatter == nil {
		d.formatter = davxml.NewFormatter(false)
	}
	d.register(http.MethodOptions, class1.HandleOptions)
	d.register(http.MethodGet, class1.HandleGet)
	d.register(http.MethodHead, class1.HandleHead)
	d.register(http.MethodPut, class1.HandlePut)
	d.register(http.MethodDelete, class1.HandleDelete)
	d.register(MethodPropfind, class1.HandlePropfind)
	d.register(MethodProppatch, class1.HandleProppatch)
	d.register(MethodMkcol, class1.HandleMkcol)
	d.register(MethodCopy, class1.HandleCopy)
	d.register(MethodMove, class1.HandleMove)
	if class2 != nil {
		d.register(MethodLock, class2.HandleLock)
		d.register(MethodUnlock, class2.HandleUnlock)
	}
	return d
}

func (d *Dispatcher) register(method string, h gin.HandlerFunc) {
	d.methods = append(d.methods, method)
	d.handlers[method] = h
}

// Classes 支持的兼容级别
func (d *Dispatcher) Classes() []string {
	if d.class2 != nil {
		return []string{"1", "2"}
	}
	return []string{"1"}
}

// DAVHeader DAV 响应头的值
func (d *Dispatcher) DAVHeader() string {
	return strings.Join(d.Classes(), ", ")
}

// Methods 支持的方法列表
func (d *Dispatcher) Methods() []string {
	return append([]string(nil), d.methods...)
}

// Formatter 输出格式化器
func (d *Dispatcher) Formatter() davxml.Formatter {
	return d.formatter
}

// Handle 按方法分发请求，不支持的方法返回 501
func (d *Dispatcher) Handle(c *gin.Context) {
	c.Header("DAV", d.DAVHeader())
	h, ok := d.handlers[c.Request.Method]
	if !ok {
		d.NotImplemented(c)
		return
	}
	if c.Request.Method == http.MethodOptions {
		c.Header("Allow", strings.Join(d.methods, ", "))
	}
	h(c)
}

// NotImplemented 输出结构化的 501 响应
func (d *Dispatcher) NotImplemented(c *gin.Context) {
	c.Header("DAV", d.DAVHeader())
	d.formatter.Write(c.Writer, http.StatusNotImplemented, &davxml.Error{Xmlns: types.NamespaceDAV})
	c.Abort()
}

// NoRoute 供 gin 的 NoRoute 使用：未注册的方法返回 501，其余返回 404
func (d *Dispatcher) NoRoute(c *gin.Context) {
	for _, m := range AllMethods {
		if m == c.Request.Method {
			c.Status(http.StatusNotFound)
			return
		}
	}
	d.NotImplemented(c)
}

// AllMethods 路由需要注册的全部方法，包括当前未启用的锁定方法
var AllMethods = []string{
	http.MethodOptions, http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete,
	MethodPropfind, MethodProppatch, MethodMkcol, MethodCopy, MethodMove, MethodLock, MethodUnlock,
}

// RegisterRoutes 在路由组上注册所有 WebDAV 方法
func (d *Dispatcher) RegisterRoutes(group *gin.RouterGroup) {
	for _, m := range AllMethods {
		group.Handle(m, "/*path", d.Handle)
		if group.BasePath() != "/" {
			group.Handle(m, "", d.Handle)
		}
	}
}
