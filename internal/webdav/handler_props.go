package webdav

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/validators"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

func davName(local string) xml.Name {
	return xml.Name{Space: types.NamespaceDAV, Local: local}
}

// ========================================
// PROPFIND
// ========================================

func (h *Handler) HandlePropfind(c *gin.Context) {
	ctx := c.Request.Context()
	requestPath := h.resourcePath(c)

	depth, err := ParseDepth(c.GetHeader("Depth"), DepthInfinity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	pf, err := davxml.ParsePropfind(c.Request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	root, err := h.fs.Stat(ctx, requestPath)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ms := davxml.NewMultistatus()
	if err := h.walkPropfind(ctx, c, root, pf, depth, 0, ms); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeXML(c, http.StatusMultiStatus, ms)
}

// walkPropfind 深度优先遍历，同一集合内按名称顺序输出
func (h *Handler) walkPropfind(ctx context.Context, c *gin.Context, entry *storage.Entry, pf *davxml.Propfind, depth, level int, ms *davxml.Multistatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := h.propfindResponse(ctx, c, entry, pf)
	if err != nil {
		return err
	}
	ms.Add(resp)

	if !entry.IsCollection || (depth != DepthInfinity && level >= depth) {
		return nil
	}
	children, err := h.fs.List(ctx, entry.Path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if h.props.IgnoreEntry(child) {
			continue
		}
		if err := h.walkPropfind(ctx, c, child, pf, depth, level+1, ms); err != nil {
			return err
		}
	}
	return nil
}

// liveProperties 条目的活属性，按固定顺序返回
func (h *Handler) liveProperties(ctx context.Context, c *gin.Context, e *storage.Entry) ([]davxml.PropValue, error) {
	values := []davxml.PropValue{
		davxml.TextValue(davName("displayname"), e.Name),
		davxml.TextValue(davName("getlastmodified"), e.ModTime.UTC().Format(http.TimeFormat)),
	}
	if e.IsCollection {
		values = append(values, davxml.RawValue(davName("resourcetype"), "<D:collection/>"))
	} else {
		contentType := e.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		values = append(values,
			davxml.EmptyValue(davName("resourcetype")),
			davxml.TextValue(davName("getcontentlength"), strconv.FormatInt(e.Size, 10)),
			davxml.TextValue(davName("getcontenttype"), contentType),
		)
	}
	if e.ETag != "" {
		values = append(values, davxml.TextValue(davName("getetag"), e.ETag))
	}

	if h.locks != nil {
		locks, err := h.locks.FindLocks(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		hrefFor := func(p string) string { return h.href(c, p, false) }
		values = append(values,
			davxml.RawValue(davName("supportedlock"), davxml.SupportedLock),
			davxml.RawValue(davName("lockdiscovery"), davxml.LockDiscovery(locks, hrefFor, h.now())),
		)
	}
	return values, nil
}

// propertyKeyOf PropValue 的 XMLName 对 DAV: 使用了前缀形式，这里还原成命名空间键
func propertyKeyOf(v davxml.PropValue) string {
	name := v.XMLName
	if name.Space == "" && len(name.Local) > 2 && name.Local[:2] == "D:" {
		name = davName(name.Local[2:])
	}
	return types.PropertyKey(name)
}

func (h *Handler) propfindResponse(ctx context.Context, c *gin.Context, e *storage.Entry, pf *davxml.Propfind) (davxml.Response, error) {
	live, err := h.liveProperties(ctx, c, e)
	if err != nil {
		return davxml.Response{}, err
	}
	dead, err := h.props.GetProperties(ctx, e.Path)
	if err != nil {
		return davxml.Response{}, err
	}

	// 死属性与活属性同名时以死属性为准（如客户端设置的 displayname）
	deadKeys := make(map[string]davxml.PropValue, len(dead))
	all := make([]davxml.PropValue, 0, len(live)+len(dead))
	for _, p := range dead {
		deadKeys[types.PropertyKey(p.Name)] = davxml.RawValue(p.Name, p.Value)
	}
	values := make(map[string]davxml.PropValue, len(live)+len(dead))
	for _, v := range live {
		key := propertyKeyOf(v)
		if _, shadowed := deadKeys[key]; shadowed {
			continue
		}
		values[key] = v
		all = append(all, v)
	}
	for _, p := range dead {
		v := deadKeys[types.PropertyKey(p.Name)]
		values[types.PropertyKey(p.Name)] = v
		all = append(all, v)
	}

	resp := davxml.Response{Href: []string{h.href(c, e.Path, e.IsCollection)}}
	switch pf.Mode {
	case davxml.PropfindAllProp:
		resp.Propstats = append(resp.Propstats, davxml.Propstat{
			Prop:   davxml.Prop{Values: all},
			Status: types.StatusLine(http.StatusOK),
		})
	case davxml.PropfindPropName:
		names := make([]davxml.PropValue, 0, len(all))
		for _, v := range all {
			names = append(names, davxml.PropValue{XMLName: v.XMLName})
		}
		resp.Propstats = append(resp.Propstats, davxml.Propstat{
			Prop:   davxml.Prop{Values: names},
			Status: types.StatusLine(http.StatusOK),
		})
	default:
		var found, missing []davxml.PropValue
		for _, name := range pf.Names {
			if v, ok := values[types.PropertyKey(name)]; ok {
				found = append(found, v)
			} else {
				missing = append(missing, davxml.EmptyValue(name))
			}
		}
		if len(found) > 0 {
			resp.Propstats = append(resp.Propstats, davxml.Propstat{
				Prop:   davxml.Prop{Values: found},
				Status: types.StatusLine(http.StatusOK),
			})
		}
		if len(missing) > 0 {
			resp.Propstats = append(resp.Propstats, davxml.Propstat{
				Prop:   davxml.Prop{Values: missing},
				Status: types.StatusLine(http.StatusNotFound),
			})
		}
	}
	return resp, nil
}

// ========================================
// PROPPATCH
// ========================================

// HandleProppatch 按文档顺序执行 set/remove，每个属性单独给出结果，成功的修改不会回滚
func (h *Handler) HandleProppatch(c *gin.Context) {
	ctx := c.Request.Context()
	requestPath := h.resourcePath(c)

	if err := h.checkLocks(c, requestPath, false); err != nil {
		h.writeError(c, err)
		return
	}
	entry, err := h.fs.Stat(ctx, requestPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ops, err := davxml.ParsePropertyUpdate(c.Request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var (
		succeeded []xml.Name
		failures  []*types.PropertyError
	)
	for _, op := range ops {
		if op.Remove {
			names := make([]xml.Name, 0, len(op.Props))
			for _, p := range op.Props {
				if perr := validators.ValidateName(p.Name); perr != nil {
					failures = append(failures, perr)
					continue
				}
				names = append(names, p.Name)
			}
			if len(names) == 0 {
				continue
			}
			if err := h.props.RemoveProperties(ctx, requestPath, names); err != nil {
				h.writeError(c, err)
				return
			}
			succeeded = append(succeeded, names...)
			continue
		}

		failed, err := h.props.SetProperties(ctx, requestPath, op.Props)
		if err != nil {
			h.writeError(c, err)
			return
		}
		failures = append(failures, failed...)
		rejected := make(map[string]bool, len(failed))
		for _, f := range failed {
			rejected[types.PropertyKey(f.Property)] = true
		}
		for _, p := range op.Props {
			if !rejected[types.PropertyKey(p.Name)] {
				succeeded = append(succeeded, p.Name)
			}
		}
	}

	resp := davxml.Response{Href: []string{h.href(c, requestPath, entry.IsCollection)}}
	if len(succeeded) > 0 {
		values := make([]davxml.PropValue, 0, len(succeeded))
		for _, name := range dedupNames(succeeded) {
			values = append(values, davxml.EmptyValue(name))
		}
		resp.Propstats = append(resp.Propstats, davxml.Propstat{
			Prop:   davxml.Prop{Values: values},
			Status: types.StatusLine(http.StatusOK),
		})
	}
	for _, f := range failures {
		ps := davxml.Propstat{
			Prop:        davxml.Prop{Values: []davxml.PropValue{davxml.EmptyValue(f.Property)}},
			Status:      types.StatusLine(f.Code),
			Description: f.Message,
		}
		if f.Condition != "" {
			ps.Error = davxml.NewError(f.Condition)
		}
		resp.Propstats = append(resp.Propstats, ps)
	}
	if len(failures) > 0 {
		h.requestLogger(c).WithField("failed", len(failures)).Info("PROPPATCH partially applied")
	}

	ms := davxml.NewMultistatus()
	ms.Add(resp)
	h.writeXML(c, http.StatusMultiStatus, ms)
}

func dedupNames(names []xml.Name) []xml.Name {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		key := types.PropertyKey(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
