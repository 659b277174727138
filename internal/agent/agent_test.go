package agent

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
)

func TestInstallToleratesMissingAsset(t *testing.T) {
	h := newHarness(t, "v2", "./", "./index.html", "./missing.png")
	h.network.serve("https://app.local/", http.StatusOK, "root")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")

	report, err := h.agent.OnInstall(context.Background())
	if err != nil {
		t.Fatalf("install should succeed despite a 404: %v", err)
	}

	keys := h.cachedKeys(t, "v2")
	want := []string{"https://app.local/", "https://app.local/index.html"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("expected cached %v, got %v", want, keys)
	}
	if !reflect.DeepEqual(report.Failed, []string{"https://app.local/missing.png"}) {
		t.Fatalf("missing.png should be reported as failed, got %v", report.Failed)
	}
	if h.lifecycle.skipWaiting != 1 {
		t.Fatalf("install should call SkipWaiting once, got %d", h.lifecycle.skipWaiting)
	}

	if _, err := h.agent.OnActivate(context.Background()); err != nil {
		t.Fatalf("activation should proceed after a partial install: %v", err)
	}
}

func TestInstallToleratesNetworkErrors(t *testing.T) {
	h := newHarness(t, "v1", "./index.html", "./styles.css")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")
	h.network.fail("https://app.local/styles.css", errOffline)

	report, err := h.agent.OnInstall(context.Background())
	if err != nil {
		t.Fatalf("install should swallow network errors: %v", err)
	}
	if len(report.Stored) != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestInstallBypassesHTTPCache(t *testing.T) {
	h := newHarness(t, "v1", "./index.html")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")

	if _, err := h.agent.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if h.network.callCount() != 1 {
		t.Fatalf("expected one network call, got %d", h.network.callCount())
	}
	req := h.network.calls[0]
	if req.Cache != CacheReload || req.Method != http.MethodGet {
		t.Fatalf("precache should issue GET with reload cache mode, got %s %s", req.Method, req.Cache)
	}
}

func TestInstallWithEmptyManifest(t *testing.T) {
	h := newHarness(t, "v1")
	report, err := h.agent.OnInstall(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(report.Stored) != 0 || h.lifecycle.skipWaiting != 1 {
		t.Fatalf("empty manifest should still create the cache and skip waiting")
	}
	if ok, _ := h.storage.Has(context.Background(), "v1"); !ok {
		t.Fatalf("install should create the current generation")
	}
}

func TestInstallFailsWhenCacheCannotOpen(t *testing.T) {
	h := newHarness(t, "v1", "./index.html")
	h.storage.openErr = errors.New("quota exceeded")

	if _, err := h.agent.OnInstall(context.Background()); err == nil {
		t.Fatalf("install should fail when the cache cannot be opened")
	}
	if h.lifecycle.skipWaiting != 0 {
		t.Fatalf("failed install must not skip waiting")
	}
	if h.network.callCount() != 0 {
		t.Fatalf("no asset should be fetched when the cache cannot be opened")
	}
}

func TestActivateKeepsOnlyCurrentGeneration(t *testing.T) {
	h := newHarness(t, "v2")
	ctx := context.Background()
	for _, name := range []string{"v1", "v2", "zeit-pwa-20260101-3"} {
		if _, err := h.storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}

	report, err := h.agent.OnActivate(ctx)
	if err != nil {
		t.Fatalf("activate error: %v", err)
	}

	names, _ := h.storage.Keys(ctx)
	if !reflect.DeepEqual(names, []string{"v2"}) {
		t.Fatalf("only v2 should remain, got %v", names)
	}
	if !reflect.DeepEqual(report.Deleted, []string{"v1", "zeit-pwa-20260101-3"}) {
		t.Fatalf("unexpected deleted list %v", report.Deleted)
	}
	if h.lifecycle.claims != 1 {
		t.Fatalf("activate should claim clients once, got %d", h.lifecycle.claims)
	}
}

func TestActivateToleratesDeleteFailure(t *testing.T) {
	h := newHarness(t, "v3")
	ctx := context.Background()
	for _, name := range []string{"v1", "v2", "v3"} {
		if _, err := h.storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	h.storage.deleteErrs["v1"] = errors.New("locked")

	report, err := h.agent.OnActivate(ctx)
	if err != nil {
		t.Fatalf("a single deletion failure should not abort activation: %v", err)
	}
	if report.CleanupErr == nil || !reflect.DeepEqual(report.Failed, []string{"v1"}) {
		t.Fatalf("deletion failure should be reported, got %+v", report)
	}
	if h.lifecycle.claims != 1 {
		t.Fatalf("activation should still claim clients")
	}
	if ok, _ := h.storage.Has(ctx, "v2"); ok {
		t.Fatalf("v2 should be deleted")
	}
}

func TestActivateReportsClaimFailure(t *testing.T) {
	h := newHarness(t, "v1")
	h.lifecycle.claimErr = errors.New("claim refused")
	if _, err := h.agent.OnActivate(context.Background()); err == nil {
		t.Fatalf("claim failure should be returned")
	}
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	h := newHarness(t, "v1", "./index.html")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")
	if _, err := h.agent.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	before := h.network.callCount()

	resp, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/index.html", ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !resp.FromCache || string(resp.Body) != "index" {
		t.Fatalf("expected cached index, got %+v", resp)
	}
	if h.network.callCount() != before {
		t.Fatalf("cache hit must not touch the network")
	}
}

func TestFetchHitsOlderGeneration(t *testing.T) {
	h := newHarness(t, "v2")
	ctx := context.Background()
	old, _ := h.storage.Open(ctx, "v1")
	if err := old.Put(ctx, "https://app.local/app.js", &cache.Response{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	resp, err := h.agent.OnFetch(ctx, h.get(t, "https://app.local/app.js", ModeNoCORS))
	if err != nil || string(resp.Body) != "old" {
		t.Fatalf("lookup should span all generations, got %v (err=%v)", resp, err)
	}
	if h.network.callCount() != 0 {
		t.Fatalf("cache hit must not touch the network")
	}
}

func TestFetchMissCachesSameOriginSuccess(t *testing.T) {
	h := newHarness(t, "v1")
	h.network.serve("https://app.local/app.js", http.StatusOK, "console.log(1)")
	ctx := context.Background()

	resp, err := h.agent.OnFetch(ctx, h.get(t, "https://app.local/app.js", ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.FromCache || string(resp.Body) != "console.log(1)" {
		t.Fatalf("first fetch should come from the network, got %+v", resp)
	}
	h.agent.Wait()

	calls := h.network.callCount()
	again, err := h.agent.OnFetch(ctx, h.get(t, "https://app.local/app.js", ModeNoCORS))
	if err != nil {
		t.Fatalf("second fetch error: %v", err)
	}
	if !again.FromCache || h.network.callCount() != calls {
		t.Fatalf("second fetch should be served from cache without a network call")
	}
	if !reflect.DeepEqual(h.cachedKeys(t, "v1"), []string{"https://app.local/app.js"}) {
		t.Fatalf("response should be written into the current generation")
	}
}

func TestFetchReturnsOriginalWhenCachedCopyMutates(t *testing.T) {
	h := newHarness(t, "v1")
	h.network.serve("https://app.local/a.txt", http.StatusOK, "abc")

	resp, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/a.txt", ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Body[0] = 'X'
	h.agent.Wait()

	cached, err := h.storage.Match(context.Background(), "https://app.local/a.txt")
	if err != nil || string(cached.Body) != "abc" {
		t.Fatalf("cache must hold an independent clone, got %v (err=%v)", cached, err)
	}
}

func TestFetchNeverCachesCrossOriginOrErrors(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(n *fakeNetwork)
		url   string
	}{
		{
			name:  "cross origin request",
			setup: func(n *fakeNetwork) { n.serve("https://cdn.example.com/lib.js", http.StatusOK, "lib") },
			url:   "https://cdn.example.com/lib.js",
		},
		{
			name: "redirected off origin",
			setup: func(n *fakeNetwork) {
				n.serveRedirected("https://app.local/out", "https://elsewhere.example.com/landing", "x")
			},
			url: "https://app.local/out",
		},
		{
			name:  "server error",
			setup: func(n *fakeNetwork) { n.serve("https://app.local/boom", http.StatusInternalServerError, "err") },
			url:   "https://app.local/boom",
		},
		{
			name:  "not found",
			setup: func(n *fakeNetwork) {},
			url:   "https://app.local/nope",
		},
		{
			name:  "other port",
			setup: func(n *fakeNetwork) { n.serve("https://app.local:8443/x", http.StatusOK, "x") },
			url:   "https://app.local:8443/x",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "v1")
			tc.setup(h.network)

			resp, err := h.agent.OnFetch(context.Background(), h.get(t, tc.url, ModeNoCORS))
			if err != nil {
				t.Fatalf("fetch error: %v", err)
			}
			if resp == nil {
				t.Fatalf("network response should be returned to the caller")
			}
			h.agent.Wait()
			if keys := h.cachedKeys(t, "v1"); len(keys) != 0 {
				t.Fatalf("response must not be cached, got %v", keys)
			}
		})
	}
}

func TestFetchNeverCachesRangeResponses(t *testing.T) {
	h := newHarness(t, "v1")
	h.network.serve("https://app.local/clip.bin", http.StatusPartialContent, "0123456789")
	ctx := context.Background()

	req := h.get(t, "https://app.local/clip.bin", ModeNoCORS)
	req.Header.Set("Range", "bytes=0-9")
	resp, err := h.agent.OnFetch(ctx, req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusPartialContent {
		t.Fatalf("partial response should be passed back, got %d", resp.Status)
	}
	h.agent.Wait()
	if keys := h.cachedKeys(t, "v1"); len(keys) != 0 {
		t.Fatalf("partial content must not be cached, got %v", keys)
	}

	// 源站忽略 Range 返回 200 时同样不写入，整份资源留给普通 GET 缓存。
	h.network.serve("https://app.local/clip.bin", http.StatusOK, "full body")
	if _, err := h.agent.OnFetch(ctx, req); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	h.agent.Wait()
	if keys := h.cachedKeys(t, "v1"); len(keys) != 0 {
		t.Fatalf("ranged request must not be cached, got %v", keys)
	}

	plain, err := h.agent.OnFetch(ctx, h.get(t, "https://app.local/clip.bin", ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if plain.FromCache || string(plain.Body) != "full body" {
		t.Fatalf("plain GET should reach the network, got %+v", plain)
	}
}

func TestInstallRejectsPartialContent(t *testing.T) {
	h := newHarness(t, "v1", "./index.html", "./clip.bin")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")
	h.network.serve("https://app.local/clip.bin", http.StatusPartialContent, "0123")

	report, err := h.agent.OnInstall(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if !reflect.DeepEqual(report.Failed, []string{"https://app.local/clip.bin"}) {
		t.Fatalf("partial asset should be reported as failed, got %v", report.Failed)
	}
	if !reflect.DeepEqual(h.cachedKeys(t, "v1"), []string{"https://app.local/index.html"}) {
		t.Fatalf("only complete responses should be precached")
	}
}

func TestFetchIgnoresNonGET(t *testing.T) {
	h := newHarness(t, "v1")
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req := NewRequest(method, mustURL(t, "https://app.local/api"))
		if h.agent.Intercepts(req) {
			t.Fatalf("%s should not be intercepted", method)
		}
		if _, err := h.agent.OnFetch(context.Background(), req); !errors.Is(err, ErrNotIntercepted) {
			t.Fatalf("%s should return ErrNotIntercepted, got %v", method, err)
		}
	}
	if h.network.callCount() != 0 || h.storage.matchCount() != 0 {
		t.Fatalf("non-GET requests must not touch cache or network")
	}
}

func TestFetchOfflineNavigationFallsBackToIndex(t *testing.T) {
	h := newHarness(t, "v1", "./index.html")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")
	if _, err := h.agent.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	h.network.setOffline(true)

	resp, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/", ModeNavigate))
	if err != nil {
		t.Fatalf("offline navigation should fall back to the cached index: %v", err)
	}
	if string(resp.Body) != "index" {
		t.Fatalf("expected cached index body, got %s", string(resp.Body))
	}
}

func TestFetchOfflineNavigationWithoutFallbackSurfacesError(t *testing.T) {
	h := newHarness(t, "v1")
	h.network.setOffline(true)

	resp, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/", ModeNavigate))
	if !errors.Is(err, errOffline) {
		t.Fatalf("original network error should be surfaced, got %v", err)
	}
	if resp != nil {
		t.Fatalf("no synthetic response should be produced")
	}
}

func TestFetchOfflineSubresourceNeverFallsBack(t *testing.T) {
	h := newHarness(t, "v1", "./index.html")
	h.network.serve("https://app.local/index.html", http.StatusOK, "index")
	if _, err := h.agent.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	h.network.setOffline(true)

	_, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/styles.css", ModeNoCORS))
	if !errors.Is(err, errOffline) {
		t.Fatalf("non-navigation request should propagate the network error, got %v", err)
	}
}

func TestFetchCacheWriteFailureIsDiscarded(t *testing.T) {
	h := newHarness(t, "v1")
	h.network.serve("https://app.local/a.js", http.StatusOK, "a")
	h.storage.putErr = errors.New("disk full")

	resp, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/a.js", ModeNoCORS))
	if err != nil || string(resp.Body) != "a" {
		t.Fatalf("write failure must not affect the response, got %v (err=%v)", resp, err)
	}
	h.agent.Wait()
}

func TestRetiredAgentStopsWriting(t *testing.T) {
	h := newHarness(t, "v1")
	h.network.serve("https://app.local/a.js", http.StatusOK, "a")
	h.agent.Retire()

	if _, err := h.agent.OnFetch(context.Background(), h.get(t, "https://app.local/a.js", ModeNoCORS)); err != nil {
		t.Fatalf("retired agent should still serve: %v", err)
	}
	h.agent.Wait()
	if ok, _ := h.storage.Has(context.Background(), "v1"); ok {
		t.Fatalf("retired agent must not recreate its generation")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	base := Options{
		Version:   "v1",
		Origin:    mustURL(t, testOrigin),
		Storage:   cache.NewMemoryStorage(),
		Network:   newFakeNetwork(),
		Lifecycle: &fakeLifecycle{},
	}
	if _, err := New(base); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	noVersion := base
	noVersion.Version = ""
	relative := base
	relative.Origin = mustURL(t, "/app/")
	noStorage := base
	noStorage.Storage = nil
	for name, opts := range map[string]Options{"version": noVersion, "origin": relative, "storage": noStorage} {
		if _, err := New(opts); err == nil {
			t.Fatalf("expected error for invalid %s", name)
		}
	}
}

func TestManifestResolvesAgainstScope(t *testing.T) {
	a, err := New(Options{
		Version:   "v1",
		Origin:    mustURL(t, "https://user.github.io/zeit/"),
		Assets:    []string{"./", "./icons/icon.svg"},
		Storage:   cache.NewMemoryStorage(),
		Network:   newFakeNetwork(),
		Lifecycle: &fakeLifecycle{},
	})
	if err != nil {
		t.Fatalf("new error: %v", err)
	}
	want := []string{"https://user.github.io/zeit/", "https://user.github.io/zeit/icons/icon.svg"}
	if !reflect.DeepEqual(a.Manifest(), want) {
		t.Fatalf("unexpected manifest %v", a.Manifest())
	}
	if a.FallbackKey() != "https://user.github.io/zeit/index.html" {
		t.Fatalf("unexpected fallback key %s", a.FallbackKey())
	}
}
