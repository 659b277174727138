package agent

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Mode 对应请求的 fetch mode，只有 navigate 会触发离线回退。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// CacheMode 控制网络层是否绕过中间 HTTP 缓存。
type CacheMode string

const (
	CacheDefault CacheMode = "default"
	// CacheReload 强制回源校验，install 预缓存时使用。
	CacheReload CacheMode = "reload"
)

// Request 是一次被拦截的出站请求。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
	Cache  CacheMode
}

// NewRequest 构造默认 mode 为 cors 的请求。
func NewRequest(method string, u *url.URL) *Request {
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: http.Header{},
		Mode:   ModeCORS,
		Cache:  CacheDefault,
	}
}

// IsNavigation 表示是否为顶层页面导航。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Key 返回缓存标识。
func (r *Request) Key() string {
	return cache.KeyFor(r.URL)
}

// sameOrigin 比较 scheme + host + port，缺省端口按 scheme 补齐。
func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// OriginOf 返回 scheme://host[:port] 形式，供日志和诊断输出。
func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
