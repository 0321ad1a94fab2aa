package xml

import (
	"bytes"
	"encoding/xml"

	"github.com/webdav-gateway/davengine/internal/types"
)

// ========================================
// Multi-Status 响应模型
// ========================================

// Multistatus 207 响应根元素
type Multistatus struct {
	XMLName     xml.Name   `xml:"D:multistatus"`
	Xmlns       string     `xml:"xmlns:D,attr"`
	Responses   []Response `xml:"D:response"`
	Description string     `xml:"D:responsedescription,omitempty"`
}

// Response 单个资源的结果，Propstats 与 Status 二选一
type Response struct {
	Href        []string   `xml:"D:href"`
	Propstats   []Propstat `xml:"D:propstat"`
	Status      string     `xml:"D:status,omitempty"`
	Error       *Error     `xml:"D:error,omitempty"`
	Description string     `xml:"D:responsedescription,omitempty"`
}

// Propstat 一组具有相同状态的属性
type Propstat struct {
	Prop        Prop   `xml:"D:prop"`
	Status      string `xml:"D:status"`
	Error       *Error `xml:"D:error,omitempty"`
	Description string `xml:"D:responsedescription,omitempty"`
}

// Prop 属性容器
type Prop struct {
	Values []PropValue `xml:",any"`
}

// PropValue 单个属性，InnerXML 原样输出
type PropValue struct {
	XMLName  xml.Name
	InnerXML []byte `xml:",innerxml"`
}

// NewMultistatus 创建空的 Multi-Status
func NewMultistatus() *Multistatus {
	return &Multistatus{Xmlns: types.NamespaceDAV}
}

// Add 追加响应
func (m *Multistatus) Add(r Response) {
	m.Responses = append(m.Responses, r)
}

// StatusResponse 只带状态码的响应
func StatusResponse(href string, code int) Response {
	return Response{Href: []string{href}, Status: types.StatusLine(code)}
}

// elementName DAV: 命名空间使用根元素声明的 D 前缀，其余命名空间就地声明
func elementName(name xml.Name) xml.Name {
	if name.Space == types.NamespaceDAV {
		return xml.Name{Local: "D:" + name.Local}
	}
	return name
}

// RawValue 原始内部 XML 值
func RawValue(name xml.Name, inner string) PropValue {
	return PropValue{XMLName: elementName(name), InnerXML: []byte(inner)}
}

// TextValue 文本值，输出前转义
func TextValue(name xml.Name, text string) PropValue {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(text))
	return PropValue{XMLName: elementName(name), InnerXML: buf.Bytes()}
}

// EmptyValue 只有属性名没有值，用于 propname 和失败的属性
func EmptyValue(name xml.Name) PropValue {
	return PropValue{XMLName: elementName(name)}
}

// ========================================
// DAV:error
// ========================================

// Error DAV:error 元素，携带前置/后置条件
type Error struct {
	XMLName    xml.Name    `xml:"D:error"`
	Xmlns      string      `xml:"xmlns:D,attr,omitempty"`
	Conditions []Condition `xml:",any"`
}

// Condition 单个条件，部分条件包含相关资源的 href
type Condition struct {
	XMLName xml.Name
	Hrefs   []string `xml:"D:href"`
}

// NewError 创建嵌入在 multistatus 中的错误元素
func NewError(condition string, hrefs ...string) *Error {
	return &Error{Conditions: []Condition{{XMLName: xml.Name{Local: "D:" + condition}, Hrefs: hrefs}}}
}

// NewErrorBody 创建作为响应体根元素的错误
func NewErrorBody(condition string, hrefs ...string) *Error {
	e := NewError(condition, hrefs...)
	e.Xmlns = types.NamespaceDAV
	return e
}
