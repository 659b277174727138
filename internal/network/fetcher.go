package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
)

// ErrNetwork 包装所有传输层失败（DNS、连接、超时、读正文中断）。
var ErrNetwork = errors.New("network request failed")

// maxBodyBytes 限制单个响应正文大小；托管应用是小型静态站点。
const maxBodyBytes = 64 << 20

// Fetcher 实现 agent.Network。
type Fetcher struct {
	client *http.Client
	logger *logrus.Logger
}

var _ agent.Network = (*Fetcher)(nil)

// NewFetcher 使用共享 client 构造 Fetcher。
func NewFetcher(client *http.Client, logger *logrus.Logger) *Fetcher {
	if client == nil {
		client = NewClient(nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch 发起请求并读取完整正文。HTTP 错误状态照常返回响应，只有传输失败返回 error。
func (f *Fetcher) Fetch(ctx context.Context, req *agent.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Host")
	if req.Cache == agent.CacheReload {
		upstreamReq.Header.Set("Cache-Control", "no-cache")
		upstreamReq.Header.Set("Pragma", "no-cache")
		upstreamReq.Header.Del("If-None-Match")
		upstreamReq.Header.Del("If-Modified-Since")
	}

	started := time.Now()
	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		f.logResult(req, 0, started, err)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		f.logResult(req, resp.StatusCode, started, err)
		return nil, fmt.Errorf("%w: read body %s: %v", ErrNetwork, req.URL, err)
	}
	if len(payload) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body of %s exceeds %d bytes", ErrNetwork, req.URL, maxBodyBytes)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	// 正文已完整读出，长度由调用方重新计算。
	header.Del("Content-Length")

	finalURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	f.logResult(req, resp.StatusCode, started, nil)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		URL:    finalURL,
	}, nil
}

func (f *Fetcher) logResult(req *agent.Request, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "network_fetch",
		"method":     strings.ToUpper(req.Method),
		"url":        req.URL.String(),
		"cache_mode": string(req.Cache),
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	entry := f.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Debug("network_fetch_failed")
		return
	}
	entry.Debug("network_fetch_complete")
}
