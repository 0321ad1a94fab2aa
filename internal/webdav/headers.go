package webdav

import (
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/webdav-gateway/davengine/internal/webdav/lock"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// Depth 头取值
const (
	DepthZero     = 0
	DepthOne      = 1
	DepthInfinity = -1
)

// 请求头解析错误
var (
	ErrInvalidDepth       = errors.New("webdav: invalid Depth header")
	ErrInvalidOverwrite   = errors.New("webdav: invalid Overwrite header")
	ErrInvalidDestination = errors.New("webdav: invalid Destination header")
	ErrForeignDestination = errors.New("webdav: destination is on another server")
	ErrInvalidLockToken   = errors.New("webdav: invalid Lock-Token header")
)

// ParseDepth 解析 Depth 头，缺省时返回 def
func ParseDepth(h string, def int) (int, error) {
	switch strings.ToLower(strings.TrimSpace(h)) {
	case "":
		return def, nil
	case "0":
		return DepthZero, nil
	case "1":
		return DepthOne, nil
	case "infinity":
		return DepthInfinity, nil
	}
	return 0, ErrInvalidDepth
}

// ParseTimeout 解析 Timeout 头，取第一个可识别的值；无法识别时返回 0 由策略决定
func ParseTimeout(h string) time.Duration {
	for _, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return lock.Infinite
		}
		const prefix = "second-"
		if len(part) <= len(prefix) || !strings.EqualFold(part[:len(prefix)], prefix) {
			continue
		}
		n, err := strconv.ParseUint(part[len(prefix):], 10, 32)
		if err != nil || n == 0 {
			continue
		}
		if n > math.MaxInt32 {
			n = math.MaxInt32
		}
		return time.Duration(n) * time.Second
	}
	return 0
}

// ParseOverwrite 解析 Overwrite 头，缺省为 T
func ParseOverwrite(h string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(h)) {
	case "", "T":
		return true, nil
	case "F":
		return false, nil
	}
	return false, ErrInvalidOverwrite
}

// ParseDestination 解析 Destination 头，返回去掉路由前缀后的路径
func ParseDestination(h string, r *http.Request, prefix string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", ErrInvalidDestination
	}
	u, err := url.Parse(h)
	if err != nil {
		return "", ErrInvalidDestination
	}
	if u.Host != "" && !strings.EqualFold(u.Host, r.Host) {
		return "", ErrForeignDestination
	}
	if u.Path == "" {
		return "", ErrInvalidDestination
	}
	rel, ok := utils.StripPrefix(u.Path, prefix)
	if !ok {
		return "", ErrForeignDestination
	}
	return rel, nil
}

// ParseIfTokens 提取 If 头中列表内的锁令牌，忽略 Not 条件、ETag 条件和资源标签
func ParseIfTokens(h string) []string {
	var (
		tokens []string
		inList bool
		negate bool
	)
	for i := 0; i < len(h); i++ {
		switch ch := h[i]; {
		case ch == '(':
			inList, negate = true, false
		case ch == ')':
			inList, negate = false, false
		case ch == '[':
			j := strings.IndexByte(h[i:], ']')
			if j < 0 {
				return tokens
			}
			i += j
		case ch == '<':
			j := strings.IndexByte(h[i:], '>')
			if j < 0 {
				return tokens
			}
			if inList && !negate {
				tokens = append(tokens, h[i+1:i+j])
			}
			negate = false
			i += j
		case inList && (ch == 'N' || ch == 'n') && i+3 <= len(h) && strings.EqualFold(h[i:i+3], "not"):
			negate = true
			i += 2
		}
	}
	return tokens
}

// ParseLockToken 解析 Lock-Token 头 "<token>"
func ParseLockToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if len(h) < 3 || h[0] != '<' || h[len(h)-1] != '>' {
		return "", ErrInvalidLockToken
	}
	return h[1 : len(h)-1], nil
}
