package agent

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Intercepts 只拦截 GET；其余请求由宿主原样放行，不读也不写缓存。
func (a *Agent) Intercepts(req *Request) bool {
	return req != nil && req.Method == http.MethodGet
}

// OnFetch 处理一次 fetch 事件：
//
//	缓存命中              → 直接返回，不访问网络
//	未命中 + 网络成功      → 返回响应；2xx 且同源时异步写入当前缓存代
//	未命中 + 网络失败      → 导航请求返回缓存的回退文档，否则（或回退也未缓存）返回原始网络错误
func (a *Agent) OnFetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if !a.Intercepts(req) {
		return nil, ErrNotIntercepted
	}

	key := req.Key()
	entry := a.logger.WithFields(logging.FetchFields(a.version, key, string(req.Mode), ""))

	cached, err := a.storage.Match(ctx, key)
	switch {
	case err == nil:
		a.metrics.RecordFetch(ctx, OutcomeCacheHit)
		entry.WithField("outcome", OutcomeCacheHit).Debug("fetch_served")
		return cached, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		entry.WithError(err).Warn("cache_match_failed")
	}

	resp, netErr := a.network.Fetch(ctx, req)
	if netErr != nil {
		if fallback := a.offlineFallback(ctx, req); fallback != nil {
			a.metrics.RecordFetch(ctx, OutcomeFallback)
			entry.WithField("outcome", OutcomeFallback).WithError(netErr).Info("fetch_served")
			return fallback, nil
		}
		a.metrics.RecordFetch(ctx, OutcomeNetworkFailed)
		entry.WithField("outcome", OutcomeNetworkFailed).WithError(netErr).Warn("fetch_failed")
		return nil, netErr
	}

	if a.shouldStore(req, resp) {
		a.storeAsync(ctx, key, resp.Clone())
	}
	a.metrics.RecordFetch(ctx, OutcomeNetwork)
	entry.WithField("outcome", OutcomeNetwork).WithField("status", resp.Status).Debug("fetch_served")
	return resp, nil
}

// offlineFallback 仅对导航请求生效；回退文档未缓存时返回 nil。
func (a *Agent) offlineFallback(ctx context.Context, req *Request) *cache.Response {
	if !req.IsNavigation() {
		return nil
	}
	fallback, err := a.storage.Match(ctx, a.FallbackKey())
	if err != nil {
		return nil
	}
	return fallback
}

func (a *Agent) shouldStore(req *Request, resp *cache.Response) bool {
	if req.Method != http.MethodGet || !resp.OK() || isPartial(req, resp) {
		return false
	}
	target := req.URL
	if resp.URL != "" {
		parsed, err := url.Parse(resp.URL)
		if err != nil {
			return false
		}
		target = parsed
	}
	return sameOrigin(target, a.origin)
}

// isPartial 识别范围请求及其 206 响应；片段不能存进整个资源的缓存标识下。
func isPartial(req *Request, resp *cache.Response) bool {
	if resp != nil && resp.Status == http.StatusPartialContent {
		return true
	}
	return req != nil && req.Header.Get("Range") != ""
}

// storeAsync 在后台写入当前缓存代，不阻塞响应；失败直接丢弃。
// 写入与请求 ctx 解绑，请求结束后仍能完成。
func (a *Agent) storeAsync(ctx context.Context, key string, resp *cache.Response) {
	a.retireMu.Lock()
	if a.retired {
		a.retireMu.Unlock()
		return
	}
	a.pending.Add(1)
	a.retireMu.Unlock()

	go func() {
		defer a.pending.Done()
		writeCtx := context.WithoutCancel(ctx)

		c, err := a.storage.Open(writeCtx, a.version)
		if err == nil {
			err = c.Put(writeCtx, key, resp)
		}
		if err != nil {
			a.logger.WithFields(logging.FetchFields(a.version, key, "", "cache_write_failed")).
				WithError(err).Debug("cache_put_skipped")
		}
	}()
}
