package xml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/webdav-gateway/davengine/internal/types"
)

// 请求体解析错误
var (
	ErrEmptyBody   = errors.New("xml: empty request body")
	ErrInvalidBody = errors.New("xml: invalid request body")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidBody, fmt.Sprintf(format, args...))
}

func decode(r io.Reader, v interface{}) error {
	if err := xml.NewDecoder(r).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return invalid("%v", err)
	}
	return nil
}

// ========================================
// PROPFIND
// ========================================

// PropfindMode PROPFIND 请求类型
type PropfindMode int

const (
	PropfindAllProp PropfindMode = iota
	PropfindPropName
	PropfindProp
)

// PropNames 子元素名称列表
type PropNames []xml.Name

// UnmarshalXML 只收集子元素的名称
func (pn *PropNames) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		t, err := d.Token()
		if err != nil {
			return err
		}
		switch elem := t.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			*pn = append(*pn, elem.Name)
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}
}

type propfindBody struct {
	XMLName  xml.Name   `xml:"DAV: propfind"`
	AllProp  *struct{}  `xml:"DAV: allprop"`
	PropName *struct{}  `xml:"DAV: propname"`
	Prop     *PropNames `xml:"DAV: prop"`
	Include  PropNames  `xml:"DAV: include"`
}

// Propfind 解析后的 PROPFIND 请求
type Propfind struct {
	Mode    PropfindMode
	Names   []xml.Name // PropfindProp 时请求的属性
	Include []xml.Name // allprop 附带的 include
}

// ParsePropfind 解析 PROPFIND 请求体，空请求体等同于 allprop
func ParsePropfind(r io.Reader) (*Propfind, error) {
	var body propfindBody
	if err := decode(r, &body); err != nil {
		if errors.Is(err, ErrEmptyBody) {
			return &Propfind{Mode: PropfindAllProp}, nil
		}
		return nil, err
	}

	set := 0
	for _, present := range []bool{body.AllProp != nil, body.PropName != nil, body.Prop != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, invalid("propfind must contain exactly one of allprop, propname, prop")
	}

	switch {
	case body.AllProp != nil:
		return &Propfind{Mode: PropfindAllProp, Include: body.Include}, nil
	case body.PropName != nil:
		return &Propfind{Mode: PropfindPropName}, nil
	}
	if len(*body.Prop) == 0 {
		return nil, invalid("empty prop element")
	}
	return &Propfind{Mode: PropfindProp, Names: *body.Prop}, nil
}

// ========================================
// PROPPATCH
// ========================================

type rawProperty struct {
	XMLName xml.Name
	Inner   []byte `xml:",innerxml"`
}

type propContainer struct {
	Props []rawProperty `xml:",any"`
}

type patchInstruction struct {
	XMLName xml.Name
	Prop    propContainer `xml:"DAV: prop"`
}

type propertyUpdateBody struct {
	XMLName      xml.Name           `xml:"DAV: propertyupdate"`
	Instructions []patchInstruction `xml:",any"`
}

// PatchOp 一条 set 或 remove 指令
type PatchOp struct {
	Remove bool
	Props  []types.DeadProperty // Remove 时只使用 Name
}

// ParsePropertyUpdate 解析 PROPPATCH 请求体，指令保持文档顺序
func ParsePropertyUpdate(r io.Reader) ([]PatchOp, error) {
	var body propertyUpdateBody
	if err := decode(r, &body); err != nil {
		return nil, err
	}

	ops := make([]PatchOp, 0, len(body.Instructions))
	for _, in := range body.Instructions {
		if in.XMLName.Space != types.NamespaceDAV {
			continue
		}
		var op PatchOp
		switch in.XMLName.Local {
		case "set":
		case "remove":
			op.Remove = true
		default:
			continue
		}
		for _, p := range in.Prop.Props {
			prop := types.DeadProperty{Name: p.XMLName}
			if !op.Remove {
				prop.Value = string(p.Inner)
			}
			op.Props = append(op.Props, prop)
		}
		if len(op.Props) > 0 {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil, invalid("propertyupdate contains no set or remove instruction")
	}
	return ops, nil
}

// ========================================
// LOCK
// ========================================

type lockOwner struct {
	InnerXML string `xml:",innerxml"`
}

type lockInfoBody struct {
	XMLName   xml.Name   `xml:"DAV: lockinfo"`
	Exclusive *struct{}  `xml:"DAV: lockscope>exclusive"`
	Shared    *struct{}  `xml:"DAV: lockscope>shared"`
	Write     *struct{}  `xml:"DAV: locktype>write"`
	Owner     *lockOwner `xml:"DAV: owner"`
}

// LockInfo 解析后的 LOCK 请求
type LockInfo struct {
	Shared bool
	Owner  string // owner 元素的内部 XML
}

// ParseLockInfo 解析 LOCK 请求体；空请求体返回 ErrEmptyBody，表示刷新
func ParseLockInfo(r io.Reader) (*LockInfo, error) {
	var body lockInfoBody
	if err := decode(r, &body); err != nil {
		return nil, err
	}
	if (body.Exclusive == nil) == (body.Shared == nil) {
		return nil, invalid("lockinfo must specify exactly one lock scope")
	}
	if body.Write == nil {
		return nil, invalid("only write locks are supported")
	}
	info := &LockInfo{Shared: body.Shared != nil}
	if body.Owner != nil {
		info.Owner = body.Owner.InnerXML
	}
	return info, nil
}
