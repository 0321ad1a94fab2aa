package utils

import (
	"net/url"
	"path"
	"strings"
)

// CleanPath 规范化资源路径，始终以 / 开头且不以 / 结尾（根路径除外）
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ParentPath 获取父路径，根路径的父路径仍为根
func ParentPath(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return "/"
	}
	return path.Dir(p)
}

// BaseName 获取路径最后一段
func BaseName(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// JoinPath 拼接路径并规范化
func JoinPath(elem ...string) string {
	return CleanPath(path.Join(elem...))
}

// IsDescendant 判断 child 是否位于 parent 之下（不含自身）
func IsDescendant(parent, child string) bool {
	parent = CleanPath(parent)
	child = CleanPath(child)
	if parent == child {
		return false
	}
	if parent == "/" {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// IsSameOrDescendant 判断 child 是否等于 parent 或位于其下
func IsSameOrDescendant(parent, child string) bool {
	return CleanPath(parent) == CleanPath(child) || IsDescendant(parent, child)
}

// Ancestors 返回从父路径到根路径的祖先列表（由近及远）
func Ancestors(p string) []string {
	p = CleanPath(p)
	var out []string
	for p != "/" {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}

// Rebase 将 p 从 oldRoot 下迁移到 newRoot 下
func Rebase(p, oldRoot, newRoot string) string {
	p = CleanPath(p)
	oldRoot = CleanPath(oldRoot)
	if p == oldRoot {
		return CleanPath(newRoot)
	}
	rel := strings.TrimPrefix(p, oldRoot)
	if oldRoot == "/" {
		rel = p
	}
	return JoinPath(newRoot, rel)
}

// EscapeHref 对路径逐段进行 URL 转义
func EscapeHref(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// StripPrefix 去掉 URL 前缀，前缀不匹配时返回 false
func StripPrefix(p, prefix string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return CleanPath(p), true
	}
	if p == prefix {
		return "/", true
	}
	if !strings.HasPrefix(p, prefix+"/") {
		return "", false
	}
	return CleanPath(strings.TrimPrefix(p, prefix)), true
}
