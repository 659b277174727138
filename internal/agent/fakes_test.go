package agent

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork 按 URL 返回预置响应；offline 时所有请求失败。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	failures  map[string]error
	offline   bool
	calls     []*Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]*cache.Response),
		failures:  make(map[string]error),
	}
}

func (n *fakeNetwork) serve(rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		URL:    rawURL,
	}
}

func (n *fakeNetwork) serveRedirected(rawURL, finalURL string, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{},
		Body:   []byte(body),
		URL:    finalURL,
	}
}

func (n *fakeNetwork) fail(rawURL string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[rawURL] = err
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(_ context.Context, req *Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req)
	if n.offline {
		return nil, errOffline
	}
	key := req.URL.String()
	if err, ok := n.failures[key]; ok {
		return nil, err
	}
	if resp, ok := n.responses[key]; ok {
		return resp.Clone(), nil
	}
	return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, URL: key}, nil
}

type fakeLifecycle struct {
	mu          sync.Mutex
	skipWaiting int
	claims      int
	claimErr    error
}

func (l *fakeLifecycle) SkipWaiting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipWaiting++
}

func (l *fakeLifecycle) Claim(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims++
	return l.claimErr
}

// flakyStorage 包装真实存储，按需注入 Open/Delete/Put 失败并统计 Match 次数。
type flakyStorage struct {
	cache.Storage

	mu         sync.Mutex
	openErr    error
	deleteErrs map[string]error
	putErr     error
	matches    int
}

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	s.mu.Lock()
	openErr, putErr := s.openErr, s.putErr
	s.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if putErr != nil {
		return failingPutCache{Cache: c, err: putErr}, nil
	}
	return c, nil
}

func (s *flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	err := s.deleteErrs[name]
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

func (s *flakyStorage) Match(ctx context.Context, key string) (*cache.Response, error) {
	s.mu.Lock()
	s.matches++
	s.mu.Unlock()
	return s.Storage.Match(ctx, key)
}

func (s *flakyStorage) matchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches
}

type failingPutCache struct {
	cache.Cache
	err error
}

func (c failingPutCache) Put(context.Context, string, *cache.Response) error {
	return c.err
}

type harness struct {
	agent     *Agent
	storage   *flakyStorage
	network   *fakeNetwork
	lifecycle *fakeLifecycle
}

const testOrigin = "https://app.local/"

func newHarness(t *testing.T, version string, assets ...string) *harness {
	t.Helper()
	storage := &flakyStorage{Storage: cache.NewMemoryStorage(), deleteErrs: map[string]error{}}
	network := newFakeNetwork()
	lifecycle := &fakeLifecycle{}

	a, err := New(Options{
		Version:   version,
		Origin:    mustURL(t, testOrigin),
		Assets:    assets,
		Storage:   storage,
		Network:   network,
		Lifecycle: lifecycle,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return &harness{agent: a, storage: storage, network: network, lifecycle: lifecycle}
}

func (h *harness) get(t *testing.T, rawURL string, mode Mode) *Request {
	t.Helper()
	req := NewRequest(http.MethodGet, mustURL(t, rawURL))
	req.Mode = mode
	return req
}

func (h *harness) cachedKeys(t *testing.T, version string) []string {
	t.Helper()
	c, err := h.storage.Open(context.Background(), version)
	if err != nil {
		t.Fatalf("open %s: %v", version, err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", version, err)
	}
	return keys
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}
