package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Network 是网络 fetch 原语。实现须在传输失败时返回 error；HTTP 错误状态不算失败。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// Lifecycle 是宿主提供的两个生命周期原语。
type Lifecycle interface {
	// SkipWaiting 通知宿主无需等待旧页面关闭即可激活。
	SkipWaiting()
	// Claim 立即接管所有已打开的作用域内页面。
	Claim(ctx context.Context) error
}

// Metrics 记录各阶段结果，*metrics.Recorder 满足该接口。
type Metrics interface {
	RecordFetch(ctx context.Context, outcome string)
	RecordPrecache(ctx context.Context, version string, stored bool)
	RecordCleanup(ctx context.Context, generation string, err error)
}

// fetch 结果，用于日志与指标。
const (
	OutcomeCacheHit      = "cache_hit"
	OutcomeNetwork       = "network"
	OutcomeFallback      = "fallback"
	OutcomeNetworkFailed = "network_failed"
	OutcomePassthrough   = "passthrough"
)

// ErrNotIntercepted 表示请求不归 agent 处理（非 GET），宿主应原样放行。
var ErrNotIntercepted = errors.New("request not intercepted")

// Options 汇总构造 Agent 所需的配置值与能力。
type Options struct {
	// Version 是当前缓存代名称。
	Version string
	// Origin 是作用域 URL，清单与回退路径相对它解析，也是同源判断的基准。
	Origin       *url.URL
	Assets       []string
	FallbackPath string

	Storage   cache.Storage
	Network   Network
	Lifecycle Lifecycle
	Logger    *logrus.Logger
	Metrics   Metrics
}

// Agent 实现 install/activate/fetch 三个事件处理器，每个部署版本一个实例。
type Agent struct {
	version     string
	origin      *url.URL
	manifest    []*url.URL
	fallbackURL *url.URL

	storage   cache.Storage
	network   Network
	lifecycle Lifecycle
	logger    *logrus.Logger
	metrics   Metrics

	// pending 跟踪尚未完成的机会性缓存写入，retireMu 保证 Retire 之后不再 Add。
	pending  sync.WaitGroup
	retireMu sync.Mutex
	retired  bool
}

// New 校验依赖并预先解析清单 URL。
func New(opts Options) (*Agent, error) {
	if err := cache.ValidateName(opts.Version); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("origin must be an absolute URL")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Lifecycle == nil {
		return nil, errors.New("lifecycle is required")
	}

	manifest := make([]*url.URL, 0, len(opts.Assets))
	for _, asset := range opts.Assets {
		resolved, err := resolve(opts.Origin, asset)
		if err != nil {
			return nil, fmt.Errorf("invalid asset %q: %w", asset, err)
		}
		manifest = append(manifest, resolved)
	}

	fallbackPath := opts.FallbackPath
	if fallbackPath == "" {
		fallbackPath = "./index.html"
	}
	fallbackURL, err := resolve(opts.Origin, fallbackPath)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback path %q: %w", fallbackPath, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var m Metrics = nopMetrics{}
	if opts.Metrics != nil {
		m = opts.Metrics
	}

	return &Agent{
		version:     opts.Version,
		origin:      opts.Origin,
		manifest:    manifest,
		fallbackURL: fallbackURL,
		storage:     opts.Storage,
		network:     opts.Network,
		lifecycle:   opts.Lifecycle,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Version 返回当前缓存代名称。
func (a *Agent) Version() string { return a.version }

// Origin 返回作用域 URL。
func (a *Agent) Origin() *url.URL { return a.origin }

// Manifest 返回解析后的清单 URL（保持配置顺序）。
func (a *Agent) Manifest() []string {
	out := make([]string, len(a.manifest))
	for i, u := range a.manifest {
		out[i] = u.String()
	}
	return out
}

// FallbackKey 返回离线导航回退文档的缓存标识。
func (a *Agent) FallbackKey() string {
	return cache.KeyFor(a.fallbackURL)
}

// Wait 阻塞直到所有机会性缓存写入完成。
func (a *Agent) Wait() {
	a.pending.Wait()
}

// Retire 停止新的机会性写入并等待已发起的写入结束；新版本激活前由宿主调用，
// 防止旧版本在清理后重新创建自己的缓存代。
func (a *Agent) Retire() {
	a.retireMu.Lock()
	a.retired = true
	a.retireMu.Unlock()
	a.pending.Wait()
}

func resolve(base *url.URL, ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(parsed), nil
}

type nopMetrics struct{}

func (nopMetrics) RecordFetch(context.Context, string)          {}
func (nopMetrics) RecordPrecache(context.Context, string, bool) {}
func (nopMetrics) RecordCleanup(context.Context, string, error) {}
