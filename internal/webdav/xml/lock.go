package xml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
)

// SupportedLock supportedlock 属性的内部 XML
const SupportedLock = `<D:lockentry><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>` +
	`<D:lockentry><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>`

type innerElem struct {
	InnerXML string `xml:",innerxml"`
}

type hrefElem struct {
	Href string `xml:"D:href"`
}

type activeLock struct {
	XMLName   xml.Name   `xml:"D:activelock"`
	LockType  innerElem  `xml:"D:locktype"`
	LockScope innerElem  `xml:"D:lockscope"`
	Depth     string     `xml:"D:depth"`
	Owner     *innerElem `xml:"D:owner,omitempty"`
	Timeout   string     `xml:"D:timeout"`
	LockToken hrefElem   `xml:"D:locktoken"`
	LockRoot  hrefElem   `xml:"D:lockroot"`
}

// TimeoutValue 生成 Timeout 头和 timeout 元素使用的值
func TimeoutValue(d time.Duration) string {
	if d == lock.Infinite {
		return "Infinite"
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("Second-%d", secs)
}

func newActiveLock(l *lock.ActiveLock, rootHref string, now time.Time) activeLock {
	a := activeLock{
		LockType:  innerElem{InnerXML: "<D:write/>"},
		LockScope: innerElem{InnerXML: "<D:" + string(l.Scope) + "/>"},
		Depth:     l.Depth.String(),
		Timeout:   TimeoutValue(l.Remaining(now)),
		LockToken: hrefElem{Href: l.Token},
		LockRoot:  hrefElem{Href: rootHref},
	}
	if l.Owner != "" {
		a.Owner = &innerElem{InnerXML: l.Owner}
	}
	return a
}

// LockDiscovery lockdiscovery 属性的内部 XML，hrefFor 将锁路径转为 href
func LockDiscovery(locks []*lock.ActiveLock, hrefFor func(string) string, now time.Time) string {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for _, l := range locks {
		if err := enc.Encode(newActiveLock(l, hrefFor(l.Path), now)); err != nil {
			continue
		}
	}
	enc.Flush()
	return buf.String()
}

// LockResponse LOCK 成功时的响应体
type LockResponse struct {
	XMLName   xml.Name `xml:"D:prop"`
	Xmlns     string   `xml:"xmlns:D,attr"`
	Discovery struct {
		Locks []activeLock `xml:"D:activelock"`
	} `xml:"D:lockdiscovery"`
}

// NewLockResponse 创建 LOCK 响应体
func NewLockResponse(l *lock.ActiveLock, rootHref string, now time.Time) *LockResponse {
	r := &LockResponse{Xmlns: types.NamespaceDAV}
	r.Discovery.Locks = []activeLock{newActiveLock(l, rootHref, now)}
	return r
}
