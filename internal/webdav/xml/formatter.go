package xml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// ContentType XML 响应的内容类型
const ContentType = "application/xml; charset=utf-8"

// Formatter 将响应模型写为 HTTP 响应体
type Formatter interface {
	Write(w http.ResponseWriter, status int, body interface{}) error
}

// XMLFormatter 默认的 XML 输出格式化器
type XMLFormatter struct {
	Prefix string
	Indent string
}

// NewFormatter 创建格式化器，indent 为 true 时缩进输出
func NewFormatter(indent bool) *XMLFormatter {
	if indent {
		return &XMLFormatter{Indent: "  "}
	}
	return &XMLFormatter{}
}

// Write 写入状态码、XML 声明和响应体
func (f *XMLFormatter) Write(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	return f.Encode(w, body)
}

// Encode 编码到任意 Writer
func (f *XMLFormatter) Encode(w io.Writer, body interface{}) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent(f.Prefix, f.Indent)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("encode xml response: %w", err)
	}
	return enc.Flush()
}
