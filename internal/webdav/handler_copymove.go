package webdav

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/webdav/engine"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

func (h *Handler) HandleCopy(c *gin.Context) {
	h.copyMove(c, false)
}

func (h *Handler) HandleMove(c *gin.Context) {
	h.copyMove(c, true)
}

func (h *Handler) copyMove(c *gin.Context, isMove bool) {
	ctx := c.Request.Context()
	srcPath := h.resourcePath(c)

	rel, err := ParseDestination(c.GetHeader("Destination"), c.Request, h.prefix)
	if err != nil {
		h.writeError(c, err)
		return
	}
	dstPath := utils.JoinPath(h.homePath(c), rel)

	overwrite, err := ParseOverwrite(c.GetHeader("Overwrite"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	depth, err := ParseDepth(c.GetHeader("Depth"), DepthInfinity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if depth == DepthOne || (isMove && depth != DepthInfinity) {
		h.writeError(c, ErrInvalidDepth)
		return
	}

	if _, err := h.fs.Stat(ctx, srcPath); err != nil {
		h.writeError(c, err)
		return
	}
	if isMove {
		if err := h.checkLocks(c, srcPath, true); err != nil {
			h.writeError(c, err)
			return
		}
	}
	if err := h.checkLocks(c, dstPath, true); err != nil {
		h.writeError(c, err)
		return
	}

	_, statErr := h.fs.Stat(ctx, dstPath)
	switch {
	case statErr == nil && !overwrite:
		c.Status(http.StatusPreconditionFailed)
		return
	case statErr != nil && !errors.Is(statErr, storage.ErrNotFound):
		h.writeError(c, statErr)
		return
	}

	result, err := h.engine.Execute(ctx,
		engine.Source{FS: h.fs, Props: h.props, Path: srcPath},
		engine.Target{FS: h.fs, Props: h.props, Path: dstPath, Behaviour: h.behaviour},
		depth == DepthInfinity, isMove)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if !result.OK() {
		ms := davxml.NewMultistatus()
		for _, f := range result.Failures {
			status := statusFor(f.Err)
			if status == http.StatusInternalServerError {
				h.requestLogger(c).WithError(f.Err).WithField("target", f.Path).Error("COPY/MOVE step failed")
			}
			ms.Add(davxml.StatusResponse(h.href(c, f.Path, false), status))
		}
		// 重命名已完成时源已不存在，锁随之释放
		if isMove {
			if _, err := h.fs.Stat(ctx, srcPath); errors.Is(err, storage.ErrNotFound) {
				h.releaseLocks(ctx, c, srcPath)
			}
		}
		h.writeXML(c, http.StatusMultiStatus, ms)
		return
	}

	if isMove {
		h.releaseLocks(ctx, c, srcPath)
	}
	if result.Created {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusNoContent)
}
