package shellcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOriginServer struct {
	*httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	posts []string
}

func newTestOriginServer(t *testing.T) *testOriginServer {
	t.Helper()
	o := &testOriginServer{hits: map[string]int{}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			o.posts = append(o.posts, string(b))
		}
		o.mu.Unlock()

		switch {
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>shell</html>")
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, "created")
		case strings.HasPrefix(r.URL.Path, "/static/"):
			w.Header().Set("Content-Type", "application/javascript")
			w.Header().Set("Access-Control-Expose-Headers", "Etag")
			_, _ = io.WriteString(w, "console.log(1)")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOriginServer) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf("server:\n  origin: %s\ncache:\n  critical: [\"/\"]\n", origin)))
	require.NoError(t, err)
	svc, err := NewService(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, rd))
	return rec
}

func TestService_CachesThroughHandler(t *testing.T) {
	origin := newTestOriginServer(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateActive, svc.Manager().State())
	h := svc.Handler()

	first := serve(h, http.MethodGet, "/static/js/app.js", "")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "network", first.Header().Get("X-Shellcache"))
	assert.Equal(t, "Etag, X-Shellcache", first.Header().Get("Access-Control-Expose-Headers"))

	second := serve(h, http.MethodGet, "/static/js/app.js", "")
	assert.Equal(t, "hit", second.Header().Get("X-Shellcache"))
	assert.Equal(t, "console.log(1)", second.Body.String())
	assert.Equal(t, "application/javascript", second.Header().Get("Content-Type"))
	assert.NotEmpty(t, second.Header().Get(TimestampHeader))
	assert.Equal(t, 1, origin.hitCount("/static/js/app.js"))

	shell := serve(h, http.MethodGet, "/", "")
	assert.Equal(t, "hit", shell.Header().Get("X-Shellcache"))
	assert.Equal(t, 1, origin.hitCount("/"))
}

func TestService_PassThroughPost(t *testing.T) {
	origin := newTestOriginServer(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))

	rec := serve(svc.Handler(), http.MethodPost, "/api/citas", `{"paciente":7}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get("X-Shellcache"))
	origin.mu.Lock()
	assert.Equal(t, []string{`{"paciente":7}`}, origin.posts)
	origin.mu.Unlock()
}

func TestService_OriginDown(t *testing.T) {
	origin := newTestOriginServer(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))
	h := svc.Handler()
	origin.Close()

	rec := serve(h, http.MethodPost, "/api/citas", "{}")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad-gateway", rec.Header().Get("X-Shellcache"))

	rec = serve(h, http.MethodGet, "/api/citas", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get("X-Shellcache"))

	nav := httptest.NewRequest(http.MethodGet, "/pacientes/7", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, nav)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestService_InstallFailureServesPassThrough(t *testing.T) {
	origin := newTestOriginServer(t)
	cfg, err := ParseConfig([]byte(fmt.Sprintf("server:\n  origin: %s\ncache:\n  critical: [\"/\", \"/missing.js\"]\n", origin.URL)))
	require.NoError(t, err)
	svc, err := NewService(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()

	assert.ErrorIs(t, svc.Start(context.Background()), ErrInstallFailed)
	rec := serve(svc.Handler(), http.MethodGet, "/static/js/app.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get("X-Shellcache"))
}

func TestService_ControlEndpoints(t *testing.T) {
	origin := newTestOriginServer(t)
	svc := newTestService(t, origin.URL)
	h := svc.Handler()

	rec := serve(h, http.MethodGet, "/__shellcache/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"new","version":"v2"}`, rec.Body.String())

	require.NoError(t, svc.Start(context.Background()))

	rec = serve(h, http.MethodPost, "/__shellcache/message", `{"type":"GET_CACHE_SIZE"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var reply Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.NotNil(t, reply.Size)
	assert.Equal(t, 1, *reply.Size)

	rec = serve(h, http.MethodPost, "/__shellcache/message", `{"type":"CACHE_URLS","payload":["/static/js/a.js","/nope"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	reply = Reply{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.NotNil(t, reply.Preload)
	assert.Len(t, reply.Preload.Cached, 1)
	assert.Len(t, reply.Preload.Failed, 1)

	rec = serve(h, http.MethodPost, "/__shellcache/message", `{"type":"REBOOT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)

	rec = serve(h, http.MethodPost, "/__shellcache/message", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/__shellcache/message", `{"type":"CLEAR_CACHE"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	n, err := svc.Manager().CacheSize()
	require.NoError(t, err)
	assert.Zero(t, n)

	rec = serve(h, http.MethodGet, "/__shellcache/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shellcache_entries")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, "X-Shellcache")
	assert.Equal(t, "X-Shellcache", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"Etag", "x-shellcache"}}
	ensureExposedHeader(h, "X-Shellcache")
	assert.Equal(t, []string{"Etag", "x-shellcache"}, h.Values("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"Etag, Link"}}
	ensureExposedHeader(h, "X-Shellcache")
	assert.Equal(t, "Etag, Link, X-Shellcache", h.Get("Access-Control-Expose-Headers"))
}
