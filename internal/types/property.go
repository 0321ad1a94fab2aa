package types

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// ========================================
// Property Types - 共享的属性类型定义
// ========================================

const (
	// NamespaceDAV DAV命名空间
	NamespaceDAV = "DAV:"
)

// DeadProperty 死属性：由客户端定义，值为原始内部XML
type DeadProperty struct {
	Name  xml.Name `json:"name"`
	Value string   `json:"value"`
}

// PropertyKey 属性唯一键
func PropertyKey(name xml.Name) string {
	return name.Space + "\x00" + name.Local
}

// ParsePropertyKey 解析属性键
func ParsePropertyKey(key string) xml.Name {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return xml.Name{Space: key[:i], Local: key[i+1:]}
		}
	}
	return xml.Name{Local: key}
}

// PropertyError 属性错误，携带失败的属性名和HTTP状态码
type PropertyError struct {
	Code      int      `json:"code"`
	Message   string   `json:"message"`
	Condition string   `json:"condition,omitempty"`
	Property  xml.Name `json:"property"`
}

func (e *PropertyError) Error() string {
	return fmt.Sprintf("property {%s}%s: %s", e.Property.Space, e.Property.Local, e.Message)
}

// NewPropertyError 创建属性错误
func NewPropertyError(name xml.Name, code int, message string) *PropertyError {
	return &PropertyError{Code: code, Message: message, Property: name}
}

// ========================================
// Known Live Properties - 已知的活属性
// ========================================

// KnownLiveProperties 已知的活属性，值表示是否受保护（客户端不可修改）
var KnownLiveProperties = map[string]bool{
	"creationdate":       true,
	"getcontentlength":   true,
	"getcontenttype":     true,
	"getetag":            true,
	"getlastmodified":    true,
	"lockdiscovery":      true,
	"resourcetype":       true,
	"supportedlock":      true,
	"displayname":        false,
	"getcontentlanguage": false,
}

// IsProtected 判断属性是否为受保护的活属性
func IsProtected(name xml.Name) bool {
	if name.Space != NamespaceDAV {
		return false
	}
	return KnownLiveProperties[name.Local]
}

// ========================================
// Error Condition Types - 错误条件类型
// ========================================

// DAV:error 前置/后置条件名
const (
	ConditionNoConflictingLock          = "no-conflicting-lock"
	ConditionLockTokenSubmitted         = "lock-token-submitted"
	ConditionLockTokenMatchesRequestURI = "lock-token-matches-request-uri"
	ConditionCannotModifyProtected      = "cannot-modify-protected-property"
	ConditionPropfindFiniteDepth        = "propfind-finite-depth"
)

// StatusLine 生成 multistatus 使用的状态行
func StatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, StatusText(code))
}

// StatusText 返回状态文本，补充WebDAV扩展状态码
func StatusText(code int) string {
	switch code {
	case http.StatusMultiStatus:
		return "Multi-Status"
	case http.StatusUnprocessableEntity:
		return "Unprocessable Entity"
	case http.StatusLocked:
		return "Locked"
	case http.StatusFailedDependency:
		return "Failed Dependency"
	case http.StatusInsufficientStorage:
		return "Insufficient Storage"
	}
	return http.StatusText(code)
}
