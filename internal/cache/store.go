package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理所有缓存代（generation），对应宿主平台的 CacheStorage。
type Storage interface {
	// Open 打开（不存在时创建）名为 name 的缓存代。
	Open(ctx context.Context, name string) (Cache, error)

	// Delete 删除整个缓存代，返回该代此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序列出全部缓存代名称。
	Keys(ctx context.Context) ([]string, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序在所有缓存代中查找 key，命中第一个即返回；未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	Close() error
}

// Cache 是单个缓存代，key 为 KeyFor 生成的请求标识。
type Cache interface {
	Name() string

	// Match 返回 key 对应的响应副本，不存在返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 覆盖写入 key 对应的响应，同 key 并发写入以最后一次为准。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，返回是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	Keys(ctx context.Context) ([]string, error)
}

// Response 是持久化的响应快照：状态码、头部、正文以及跟随重定向后的最终 URL。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`

	// FromCache 只在读取路径上设置，不参与持久化。
	FromCache bool `json:"-"`
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，写缓存与返回调用方的两份响应互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// ErrNotFound 表示缓存条目或缓存代不存在。
var ErrNotFound = errors.New("cache entry not found")

// KeyFor 计算请求标识：去掉 fragment 的绝对 URL（只缓存 GET，方法不进入 key）。
func KeyFor(u *url.URL) string {
	if u == nil {
		return ""
	}
	cloned := *u
	cloned.Fragment = ""
	cloned.RawFragment = ""
	return cloned.String()
}

// ValidateName 校验缓存代名称；名称会被 fs 驱动直接用作目录名。
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("generation name required")
	case name != strings.TrimSpace(name):
		return fmt.Errorf("generation name %q has surrounding spaces", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("generation name %q contains path separator", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("generation name %q must not start with a dot", name)
	}
	return nil
}

func stamp(resp *Response) *Response {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.FromCache = false
	return stored
}

func hit(resp *Response) *Response {
	out := resp.Clone()
	out.FromCache = true
	return out
}
