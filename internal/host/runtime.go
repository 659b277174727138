// Package host plays the role of the runtime that hosts the agent: it drives
// install → activate for each deployed version, keeps track of which pages are
// controlled, and dispatches fetch events to the active agent. A version change
// (config reload) installs the new agent beside the old one and swaps it in
// atomically once activation completes.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Options 是 Runtime 共享给每个 agent 的宿主能力。
type Options struct {
	Storage cache.Storage
	Network agent.Network
	Logger  *logrus.Logger
	Metrics agent.Metrics
}

// Runtime 串行化注册流程，fetch 分发无锁（atomic.Pointer）。
type Runtime struct {
	storage cache.Storage
	network agent.Network
	logger  *logrus.Logger
	metrics agent.Metrics

	regMu   sync.Mutex
	active  atomic.Pointer[worker]
	pending atomic.Pointer[worker]
	origin  atomic.Pointer[url.URL]
	clients *Clients
}

// New 构造宿主运行时；Storage 与 Network 必须提供。
func New(opts Options) (*Runtime, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runtime{
		storage: opts.Storage,
		network: opts.Network,
		logger:  logger,
		metrics: opts.Metrics,
		clients: newClients(),
	}, nil
}

// Register 安装并激活 cfg 描述的版本。与当前激活版本完全一致时为 no-op。
// 安装失败时新 worker 作废，旧 worker 继续服务；
// agent 未调用 SkipWaiting 且已有激活 worker 时，新 worker 停在 installed 等待。
func (r *Runtime) Register(ctx context.Context, cfg config.AgentConfig) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	fields := logging.LifecycleFields("register", cfg.Version)
	prev := r.active.Load()
	if prev != nil && prev.cfg.SameRelease(cfg) {
		r.logger.WithFields(fields).Debug("register_unchanged")
		return nil
	}

	w, err := r.newWorker(cfg)
	if err != nil {
		return err
	}
	r.pending.Store(w)
	if prev == nil {
		r.origin.Store(w.agent.Origin())
	}

	w.setState(StateInstalling)
	report, err := w.agent.OnInstall(ctx)
	if err != nil {
		w.setState(StateRedundant)
		r.pending.CompareAndSwap(w, nil)
		return fmt.Errorf("install %s: %w", cfg.Version, err)
	}
	w.mu.Lock()
	w.install = report
	w.mu.Unlock()
	w.setState(StateInstalled)

	if prev != nil && !w.skipWaiting() {
		r.logger.WithFields(fields).Info("worker_waiting")
		return nil
	}

	if prev != nil {
		// 旧版本继续只读服务，但不再写入，避免清理后重建旧缓存代。
		prev.agent.Retire()
	}

	w.setState(StateActivating)
	activateReport, err := w.agent.OnActivate(ctx)
	w.mu.Lock()
	w.activate = activateReport
	w.mu.Unlock()
	if err != nil {
		w.setState(StateRedundant)
		r.pending.CompareAndSwap(w, nil)
		return fmt.Errorf("activate %s: %w", cfg.Version, err)
	}

	w.setState(StateActivated)
	r.active.Store(w)
	r.origin.Store(w.agent.Origin())
	r.pending.CompareAndSwap(w, nil)
	if prev != nil {
		prev.setState(StateRedundant)
	}

	if prev != nil {
		fields["previous"] = prev.agent.Version()
	}
	r.logger.WithFields(fields).Info("worker_activated")
	return nil
}

// Dispatch 把一次请求作为 fetch 事件交给激活的 agent。
// 不受控页面的请求和 agent 不拦截的请求直接走网络；intercepted 表示响应是否由 agent 产生。
func (r *Runtime) Dispatch(ctx context.Context, clientID string, req *agent.Request) (resp *cache.Response, intercepted bool, err error) {
	w := r.active.Load()
	client := r.clients.Touch(clientID, navigationURL(req), w != nil)

	if w == nil || !client.Controlled || !w.agent.Intercepts(req) {
		if r.metrics != nil {
			r.metrics.RecordFetch(ctx, agent.OutcomePassthrough)
		}
		resp, err = r.network.Fetch(ctx, req)
		return resp, false, err
	}

	resp, err = w.agent.OnFetch(ctx, req)
	return resp, true, err
}

// Active 返回当前激活的 agent，没有时为 nil。
func (r *Runtime) Active() *agent.Agent {
	if w := r.active.Load(); w != nil {
		return w.agent
	}
	return nil
}

// Origin 返回当前代理的源站作用域；首个版本注册前为 nil。
func (r *Runtime) Origin() *url.URL {
	return r.origin.Load()
}

// Status 是 /-/status 的数据来源。
type Status struct {
	Active      *WorkerStatus `json:"active"`
	Pending     *WorkerStatus `json:"pending,omitempty"`
	Generations []string      `json:"generations"`
	Clients     []Client      `json:"clients"`
}

// Status 汇总当前 worker、缓存代与页面信息。
func (r *Runtime) Status(ctx context.Context) (Status, error) {
	names, err := r.storage.Keys(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Active:      r.active.Load().status(),
		Pending:     r.pending.Load().status(),
		Generations: names,
		Clients:     r.clients.List(),
	}, nil
}

// Shutdown 等待激活 agent 的后台缓存写入结束。
func (r *Runtime) Shutdown(ctx context.Context) error {
	w := r.active.Load()
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		w.agent.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) newWorker(cfg config.AgentConfig) (*worker, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
	}

	w := &worker{cfg: cfg, clients: r.clients}
	a, err := agent.New(agent.Options{
		Version:      cfg.Version,
		Origin:       origin,
		Assets:       cfg.Assets,
		FallbackPath: cfg.FallbackPath,
		Storage:      r.storage,
		Network:      r.network,
		Lifecycle:    w,
		Logger:       r.logger,
		Metrics:      r.metrics,
	})
	if err != nil {
		return nil, err
	}
	w.agent = a
	w.setState(StateParsed)
	return w, nil
}

func navigationURL(req *agent.Request) string {
	if req == nil || !req.IsNavigation() || req.URL == nil {
		return ""
	}
	return req.URL.String()
}
