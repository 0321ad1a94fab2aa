package storage

import (
	"fmt"
	"mime"
	"path"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ComputeETag 基于路径、大小和修改时间生成强ETag
func ComputeETag(e *Entry) string {
	h := xxhash.New()
	_, _ = h.WriteString(e.Path)
	_, _ = h.WriteString(strconv.FormatInt(e.Size, 10))
	_, _ = h.WriteString(strconv.FormatInt(e.ModTime.UnixNano(), 10))
	return fmt.Sprintf(`"%x"`, h.Sum64())
}

// DetermineMimeType 根据扩展名推断内容类型
func DetermineMimeType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
