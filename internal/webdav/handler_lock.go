package webdav

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

// HandleLock 创建新锁；请求体为空且 If 头带有令牌时刷新已有锁
func (h *Handler) HandleLock(c *gin.Context) {
	ctx := c.Request.Context()
	requestPath := h.resourcePath(c)
	timeout := ParseTimeout(c.GetHeader("Timeout"))

	info, err := davxml.ParseLockInfo(c.Request.Body)
	if errors.Is(err, davxml.ErrEmptyBody) {
		h.refreshLock(c, timeout)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	depth, err := ParseDepth(c.GetHeader("Depth"), DepthInfinity)
	if err != nil || depth == DepthOne {
		h.writeError(c, ErrInvalidDepth)
		return
	}

	req := lock.LockRequest{
		Path:    requestPath,
		Scope:   lock.ScopeExclusive,
		Depth:   lock.DepthInfinity,
		Owner:   info.Owner,
		Timeout: timeout,
	}
	if info.Shared {
		req.Scope = lock.ScopeShared
	}
	if depth == DepthZero {
		req.Depth = lock.DepthZero
	}

	l, err := h.locks.Lock(ctx, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// 锁定未映射的 URL 时创建空文档
	created := false
	if _, err := h.fs.Stat(ctx, requestPath); errors.Is(err, storage.ErrNotFound) {
		if _, _, err := h.fs.Write(ctx, requestPath, bytes.NewReader(nil), ""); err != nil {
			if uerr := h.locks.Unlock(ctx, l.Token, requestPath); uerr != nil {
				h.requestLogger(c).WithError(uerr).Warn("Failed to release lock after create failure")
			}
			h.writeError(c, err)
			return
		}
		created = true
	} else if err != nil {
		h.writeError(c, err)
		return
	}

	h.requestLogger(c).WithFields(logrus.Fields{
		"token": l.Token,
		"scope": l.Scope,
		"depth": l.Depth.String(),
	}).Debug("Lock granted")

	c.Header("Lock-Token", "<"+l.Token+">")
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeXML(c, status, davxml.NewLockResponse(l, h.href(c, l.Path, false), h.now()))
}

// refreshLock 刷新 If 头中第一个覆盖请求路径的锁
func (h *Handler) refreshLock(c *gin.Context, timeout time.Duration) {
	ctx := c.Request.Context()

	tokens := ParseIfTokens(c.GetHeader("If"))
	if len(tokens) == 0 {
		c.Status(http.StatusBadRequest)
		return
	}
	covering, err := h.locks.FindLocks(ctx, h.resourcePath(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	for _, token := range tokens {
		for _, held := range covering {
			if held.Token != token {
				continue
			}
			l, err := h.locks.Refresh(ctx, token, timeout)
			if err != nil {
				h.writeError(c, err)
				return
			}
			h.writeXML(c, http.StatusOK, davxml.NewLockResponse(l, h.href(c, l.Path, false), h.now()))
			return
		}
	}
	h.writeError(c, lock.ErrNotFound)
}

func (h *Handler) HandleUnlock(c *gin.Context) {
	token, err := ParseLockToken(c.GetHeader("Lock-Token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.locks.Unlock(c.Request.Context(), token, h.resourcePath(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
