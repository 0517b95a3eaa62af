package shellcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testOrigin = "http://clinic.test"

var errNetworkDown = errors.New("network down")

type fakeRoute struct {
	status int
	body   string
	header http.Header
}

// fakeNetwork answers by URL path and counts calls per path.
type fakeNetwork struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  map[string]int
	down   bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]fakeRoute{}, calls: map[string]int{}}
}

func (n *fakeNetwork) serve(path string, status int, body string, header ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := http.Header{}
	for i := 0; i+1 < len(header); i += 2 {
		h.Set(header[i], header[i+1])
	}
	n.routes[path] = fakeRoute{status: status, body: body, header: h}
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL.Path]++
	if n.down {
		return nil, errNetworkDown
	}
	r, ok := n.routes[req.URL.Path]
	if !ok {
		r = fakeRoute{status: http.StatusNotFound, body: "not found"}
	}
	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOriginURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return u
}

func newTestManager(t *testing.T, network *fakeNetwork, clock *fakeClock, mutate ...func(*Options)) *CacheManager {
	t.Helper()
	opts := Options{
		Origin:        testOriginURL(t),
		Storage:       NewMemoryStorage(0),
		Network:       network,
		CriticalPaths: []string{"/"},
		Clock:         clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := NewCacheManager(opts)
	require.NoError(t, err)
	return m
}

// newActiveManager installs and activates a manager whose only critical
// resource is "/".
func newActiveManager(t *testing.T, network *fakeNetwork, clock *fakeClock, mutate ...func(*Options)) *CacheManager {
	t.Helper()
	network.serve("/", http.StatusOK, "<html>shell</html>", "Content-Type", "text/html")
	m := newTestManager(t, network, clock, mutate...)
	ctx := context.Background()
	require.NoError(t, m.OnInstall(ctx))
	require.NoError(t, m.OnActivate(ctx))
	require.Equal(t, StateActive, m.State())
	return m
}

func getRequest(path string, header ...string) *http.Request {
	target := path
	if !strings.Contains(path, "://") {
		target = testOrigin + path
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func mustFetch(t *testing.T, m *CacheManager, req *http.Request) *Response {
	t.Helper()
	resp, err := m.OnFetch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func partitionLen(t *testing.T, s Storage, name string) int {
	t.Helper()
	p, err := s.Open(name)
	require.NoError(t, err)
	n, err := p.Len()
	require.NoError(t, err)
	return n
}
