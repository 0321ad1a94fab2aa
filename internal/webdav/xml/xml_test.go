package xml

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
)

func TestParsePropfind(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantMode  PropfindMode
		wantNames []xml.Name
		wantErr   bool
	}{
		{name: "空请求体", body: "", wantMode: PropfindAllProp},
		{name: "allprop", body: `<?xml version="1.0"?><D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`, wantMode: PropfindAllProp},
		{name: "propname", body: `<propfind xmlns="DAV:"><propname/></propfind>`, wantMode: PropfindPropName},
		{
			name:     "指定属性",
			body:     `<D:propfind xmlns:D="DAV:" xmlns:Z="urn:z"><D:prop><D:getetag/><Z:color/></D:prop></D:propfind>`,
			wantMode: PropfindProp,
			wantNames: []xml.Name{
				{Space: "DAV:", Local: "getetag"},
				{Space: "urn:z", Local: "color"},
			},
		},
		{name: "同时指定两种", body: `<propfind xmlns="DAV:"><allprop/><propname/></propfind>`, wantErr: true},
		{name: "根元素错误", body: `<lockinfo xmlns="DAV:"/>`, wantErr: true},
		{name: "格式错误", body: `<propfind xmlns="DAV:"><prop>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, err := ParsePropfind(strings.NewReader(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBody)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, pf.Mode)
			assert.Equal(t, tt.wantNames, pf.Names)
		})
	}
}

func TestParsePropertyUpdate(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8" ?>
<D:propertyupdate xmlns:D="DAV:" xmlns:Z="http://ns.example.com/z/">
  <D:set>
    <D:prop><Z:Authors><Z:Author>Jim</Z:Author></Z:Authors></D:prop>
  </D:set>
  <D:remove>
    <D:prop><Z:Copyright-Owner/></D:prop>
  </D:remove>
  <D:set>
    <D:prop><Z:color>red</Z:color></D:prop>
  </D:set>
</D:propertyupdate>`

	ops, err := ParsePropertyUpdate(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, ops, 3)

	assert.False(t, ops[0].Remove)
	require.Len(t, ops[0].Props, 1)
	assert.Equal(t, xml.Name{Space: "http://ns.example.com/z/", Local: "Authors"}, ops[0].Props[0].Name)
	assert.Contains(t, ops[0].Props[0].Value, "Jim")

	assert.True(t, ops[1].Remove)
	assert.Equal(t, "Copyright-Owner", ops[1].Props[0].Name.Local)

	assert.Equal(t, "red", ops[2].Props[0].Value)
}

func TestParsePropertyUpdate_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"空请求体": "",
		"无指令":  `<propertyupdate xmlns="DAV:"></propertyupdate>`,
		"根元素错误": `<propfind xmlns="DAV:"><allprop/></propfind>`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePropertyUpdate(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestParseLockInfo(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantShared bool
		wantOwner  string
		wantErr    error
	}{
		{
			name:      "排他锁",
			body:      `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>alice</D:href></D:owner></D:lockinfo>`,
			wantOwner: `<D:href>alice</D:href>`,
		},
		{
			name:       "共享锁",
			body:       `<lockinfo xmlns="DAV:"><lockscope><shared/></lockscope><locktype><write/></locktype></lockinfo>`,
			wantShared: true,
		},
		{name: "空请求体", body: "  ", wantErr: ErrEmptyBody},
		{
			name:    "缺少范围",
			body:    `<lockinfo xmlns="DAV:"><locktype><write/></locktype></lockinfo>`,
			wantErr: ErrInvalidBody,
		},
		{
			name:    "缺少类型",
			body:    `<lockinfo xmlns="DAV:"><lockscope><shared/></lockscope></lockinfo>`,
			wantErr: ErrInvalidBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseLockInfo(strings.NewReader(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShared, info.Shared)
			assert.Equal(t, tt.wantOwner, info.Owner)
		})
	}
}

func TestMultistatusEncoding(t *testing.T) {
	ms := NewMultistatus()
	ms.Add(Response{
		Href: []string{"/docs/a.txt"},
		Propstats: []Propstat{
			{
				Prop: Prop{Values: []PropValue{
					TextValue(xml.Name{Space: types.NamespaceDAV, Local: "displayname"}, "a & b"),
					RawValue(xml.Name{Space: "urn:z", Local: "color"}, "red"),
				}},
				Status: types.StatusLine(http.StatusOK),
			},
			{
				Prop:   Prop{Values: []PropValue{EmptyValue(xml.Name{Space: types.NamespaceDAV, Local: "getetag"})}},
				Status: types.StatusLine(http.StatusForbidden),
				Error:  NewError(types.ConditionCannotModifyProtected),
			},
		},
	})
	ms.Add(StatusResponse("/docs/b.txt", http.StatusFailedDependency))

	var buf bytes.Buffer
	require.NoError(t, NewFormatter(false).Encode(&buf, ms))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `<D:multistatus xmlns:D="DAV:">`)
	assert.Contains(t, out, `<D:displayname>a &amp; b</D:displayname>`)
	assert.Contains(t, out, `<color xmlns="urn:z">red</color>`)
	assert.Contains(t, out, `<D:status>HTTP/1.1 200 OK</D:status>`)
	assert.Contains(t, out, `<D:error><D:cannot-modify-protected-property></D:cannot-modify-protected-property></D:error>`)
	assert.Contains(t, out, `<D:status>HTTP/1.1 424 Failed Dependency</D:status>`)

	// 输出必须是合法的 XML
	var generic struct {
		XMLName   xml.Name
		Responses []struct {
			Href string `xml:"DAV: href"`
		} `xml:"DAV: response"`
	}
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &generic))
	require.Len(t, generic.Responses, 2)
	assert.Equal(t, "/docs/b.txt", generic.Responses[1].Href)
}

func TestFormatterWrite(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, NewFormatter(true).Write(w, http.StatusLocked, NewErrorBody(types.ConditionLockTokenSubmitted, "/locked")))

	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `<D:error xmlns:D="DAV:">`)
	assert.Contains(t, w.Body.String(), `<D:href>/locked</D:href>`)
}

func TestLockResponse(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &lock.ActiveLock{
		Token:     "opaquelocktoken:abc",
		Path:      "/a",
		Scope:     lock.ScopeExclusive,
		Depth:     lock.DepthInfinity,
		Owner:     "<D:href>alice</D:href>",
		Timeout:   time.Minute,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}

	var buf bytes.Buffer
	require.NoError(t, NewFormatter(false).Encode(&buf, NewLockResponse(l, "/a", now.Add(500*time.Millisecond))))
	out := buf.String()

	assert.Contains(t, out, `<D:lockscope><D:exclusive/></D:lockscope>`)
	assert.Contains(t, out, `<D:depth>infinity</D:depth>`)
	assert.Contains(t, out, `<D:timeout>Second-60</D:timeout>`)
	assert.Contains(t, out, `<D:locktoken><D:href>opaquelocktoken:abc</D:href></D:locktoken>`)
	assert.Contains(t, out, `<D:owner><D:href>alice</D:href></D:owner>`)

	disc := LockDiscovery([]*lock.ActiveLock{l}, func(p string) string { return "/dav" + p }, now)
	assert.Contains(t, disc, `<D:lockroot><D:href>/dav/a</D:href></D:lockroot>`)
}

func TestTimeoutValue(t *testing.T) {
	assert.Equal(t, "Infinite", TimeoutValue(lock.Infinite))
	assert.Equal(t, "Second-2", TimeoutValue(1500*time.Millisecond))
	assert.Equal(t, "Second-3600", TimeoutValue(time.Hour))
}
