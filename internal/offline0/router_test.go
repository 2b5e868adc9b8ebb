package offline0

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		path   string
		header map[string]string
		want   string
	}{
		{"/logo.png", nil, "image"},
		{"/photos/cat.JPEG", nil, "image"},
		{"/avatar", asImage, "image"},
		{"/app.css", nil, "static"},
		{"/bundle.js?v=3", nil, "static"},
		{"/theme", asStyle, "static"},
		{"/", nil, "page"},
		{"/about", navigate, "page"},
		{"/docs/index.html", nil, "page"},
		{"/about", map[string]string{"Accept": "text/html,application/xhtml+xml"}, "page"},
		{"/api/items", asFetch, "dynamic"},
		{"/about", asFetch, "dynamic"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.path, nil)
		for k, v := range tc.header {
			r.Header.Set(k, v)
		}
		req := env.svc.newFetchRequest(r, env.svc.targetURL(r))
		rt := env.svc.pickRoute(req)
		require.NotNil(t, rt, tc.path)
		assert.Equal(t, tc.want, rt.name, "%s %v", tc.path, tc.header)
	}
}

func TestCacheFirstServesWithoutNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	cached, ok := env.svc.caches.store.Match(env.svc.caches.name("v1", PartitionImage), "/logo.png")
	require.True(t, ok)

	before := env.net.calls.Load()
	hitsBefore := env.origin.hitCount("/logo.png")
	env.origin.setPage("/logo.png", fakePage{ctype: "image/png", body: "PNG-2"})

	rec := env.get("/logo.png", asImage)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(headerName))
	assert.Equal(t, cached.Body, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), headerName)

	env.svc.bg.Wait()
	assert.Equal(t, before, env.net.calls.Load())
	assert.Equal(t, hitsBefore, env.origin.hitCount("/logo.png"))
}

func TestCacheFirstMissStoresOK(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.setPage("/img/new.webp", fakePage{ctype: "image/webp", body: "WEBP"})

	rec := env.get("/img/new.webp", nil)
	assert.Equal(t, "miss", rec.Header().Get(headerName))
	assert.Equal(t, "WEBP", rec.Body.String())

	env.net.offline.Store(true)
	rec = env.get("/img/new.webp", nil)
	assert.Equal(t, "hit", rec.Header().Get(headerName))
	assert.Equal(t, "WEBP", rec.Body.String())

	// a 404 is served but never stored
	env.net.offline.Store(false)
	rec = env.get("/img/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, ok := env.svc.caches.Lookup("v1", PartitionImage, "/img/missing.png")
	assert.False(t, ok)
}

func TestStaleWhileRevalidateRefreshes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.setPage("/app.css", fakePage{ctype: "text/css", body: "body{color:blue}"})

	rec := env.get("/app.css", asStyle)
	assert.Equal(t, "stale", rec.Header().Get(headerName))
	assert.Equal(t, "body{color:red}", rec.Body.String())

	env.svc.bg.Wait()

	rec = env.get("/app.css", asStyle)
	assert.Equal(t, "stale", rec.Header().Get(headerName))
	assert.Equal(t, "body{color:blue}", rec.Body.String())
}

func TestStaleWhileRevalidateKeepsEntryWhenOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.net.offline.Store(true)

	rec := env.get("/app.css", asStyle)
	env.svc.bg.Wait()
	assert.Equal(t, "stale", rec.Header().Get(headerName))

	rec = env.get("/app.css", asStyle)
	assert.Equal(t, "body{color:red}", rec.Body.String())
}

func TestDynamicPartitionStaysBounded(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 6; i++ {
		p := fmt.Sprintf("/api/items/%d", i)
		env.origin.setPage(p, fakePage{ctype: "application/json", body: fmt.Sprintf(`{"id":%d}`, i)})
		rec := env.get(p, asFetch)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.LessOrEqual(t, env.svc.caches.Counts("v1")[PartitionDynamic], 3)
	}
	env.svc.bg.Wait()

	keys, err := env.svc.caches.store.Keys(env.svc.caches.name("v1", PartitionDynamic))
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/items/3", "/api/items/4", "/api/items/5"}, keys)
}

func TestNetworkFirstPages(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/about", navigate)
	assert.Equal(t, "network", rec.Header().Get(headerName))
	assert.Equal(t, "<h1>about</h1>", rec.Body.String())

	env.origin.setPage("/pricing", fakePage{ctype: "text/html", body: "<h1>pricing</h1>"})
	rec = env.get("/pricing", navigate)
	assert.Equal(t, "network", rec.Header().Get(headerName))

	env.net.offline.Store(true)

	rec = env.get("/pricing", navigate)
	assert.Equal(t, "cache-fallback", rec.Header().Get(headerName))
	assert.Equal(t, "<h1>pricing</h1>", rec.Body.String())

	// precached in the static partition only
	rec = env.get("/", navigate)
	assert.Equal(t, "cache-fallback", rec.Header().Get(headerName))
	assert.Equal(t, "<h1>home</h1>", rec.Body.String())

	rec = env.get("/never-visited", navigate)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline-page", rec.Header().Get(headerName))
	assert.Equal(t, "<h1>you are offline</h1>", rec.Body.String())
}

func TestNetworkFirstPassesServerErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.setPage("/broken", fakePage{status: http.StatusInternalServerError, ctype: "text/html", body: "oops"})

	rec := env.get("/broken", navigate)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(headerName))
	_, ok := env.svc.caches.Lookup("v1", PartitionDynamic, "/broken")
	assert.False(t, ok)
}

func TestUnavailableFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	env.net.offline.Store(true)

	rec := env.get("/api/items", asFetch)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", rec.Header().Get(headerName))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])

	rec = env.get("/img/unknown.png", asImage)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotCachedResponses(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Cache.maxEntryBytes = 16 })
	env.origin.setPage("/api/private", fakePage{
		ctype:  "application/json",
		body:   `{"me":1}`,
		header: map[string]string{"Cache-Control": "private, no-store"},
	})
	env.origin.setPage("/api/huge", fakePage{ctype: "application/json", body: `{"data":"0123456789abcdef"}`})

	assert.Equal(t, http.StatusOK, env.get("/api/private", asFetch).Code)
	assert.Equal(t, http.StatusOK, env.get("/api/huge", asFetch).Code)

	_, ok := env.svc.caches.Lookup("v1", PartitionDynamic, "/api/private")
	assert.False(t, ok)
	_, ok = env.svc.caches.Lookup("v1", PartitionDynamic, "/api/huge")
	assert.False(t, ok)
}

func TestBypassedRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/items/1", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "bypass", rec.Header().Get(headerName))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("cdn"))
	}))
	defer other.Close()
	u, err := url.Parse(other.URL + "/lib.js")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, u.String(), nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "bypass", rec.Header().Get(headerName))
	assert.Equal(t, "cdn", rec.Body.String())
	_, ok := env.svc.caches.Lookup("v1", PartitionStatic, "/lib.js")
	assert.False(t, ok)

	env.net.offline.Store(true)
	req = httptest.NewRequest(http.MethodPut, "/api/items/1", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad-gateway", rec.Header().Get(headerName))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := make(http.Header)
	ensureExposedHeader(h, headerName)
	assert.Equal(t, headerName, h.Get("Access-Control-Expose-Headers"))

	h.Set("Access-Control-Expose-Headers", "ETag, x-offline0")
	ensureExposedHeader(h, headerName)
	assert.Equal(t, "ETag, x-offline0", h.Get("Access-Control-Expose-Headers"))

	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, headerName)
	assert.Equal(t, "ETag, "+headerName, h.Get("Access-Control-Expose-Headers"))
}
