package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultVersion is the cache-format version marker.
const DefaultVersion = "v2"

// DefaultCriticalPaths is the app shell pre-warmed at install.
var DefaultCriticalPaths = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/static/js/bundle.js",
	"/static/css/main.css",
}

var (
	ErrInstallFailed  = errors.New("shellcache: install failed")
	ErrNotWaiting     = errors.New("shellcache: worker is not waiting to activate")
	ErrUnknownMessage = errors.New("shellcache: unknown message type")
)

// Network performs live fetches. *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Worker is the event surface a hosting adapter drives.
type Worker interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnFetch(ctx context.Context, req *http.Request) (*Response, error)
	OnMessage(ctx context.Context, msg Message) (Reply, error)
}

var _ Worker = (*CacheManager)(nil)

type Options struct {
	// Origin is the serving origin; relative URLs resolve against it and
	// other hosts classify as api.
	Origin *url.URL
	// Storage defaults to an unbounded MemoryStorage.
	Storage Storage
	// Network defaults to http.DefaultClient.
	Network Network
	// CriticalPaths defaults to DefaultCriticalPaths.
	CriticalPaths []string
	// Version defaults to DefaultVersion.
	Version string
	// TTLs overrides DefaultTTLs per class.
	TTLs map[ResourceClass]time.Duration
	// SkipWaiting activates right after a successful install.
	SkipWaiting bool
	// ManifestURL points at the build's asset-manifest.json; empty disables
	// manifest precaching.
	ManifestURL string
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
	// Registerer receives the Prometheus collectors; nil skips registration.
	Registerer prometheus.Registerer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// CacheManager owns the partitions and implements Worker.
type CacheManager struct {
	origin      *url.URL
	storage     Storage
	network     Network
	classifier  *Classifier
	policy      ExpirationPolicy
	critical    []string
	version     string
	manifestURL string
	clock       func() time.Time

	log     zerolog.Logger
	netLog  *rateLimitedLogger
	metrics *metrics
	stats   *statsCollector

	state       atomic.Int32
	lifecycle   sync.Mutex
	skipWaiting bool

	// collapses concurrent cache-first misses for one key
	flight singleflight.Group

	mu    sync.Mutex
	parts map[ResourceClass]Partition
}

func NewCacheManager(opts Options) (*CacheManager, error) {
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL")
	}
	m := &CacheManager{
		origin:      opts.Origin,
		storage:     opts.Storage,
		network:     opts.Network,
		critical:    opts.CriticalPaths,
		version:     opts.Version,
		policy:      NewExpirationPolicy(opts.TTLs),
		manifestURL: opts.ManifestURL,
		clock:       opts.Clock,
		skipWaiting: opts.SkipWaiting,
		metrics:     newMetrics(opts.Registerer),
		stats:       newStatsCollector(),
		parts:       map[ResourceClass]Partition{},
	}
	if m.storage == nil {
		m.storage = NewMemoryStorage(0)
	}
	if m.network == nil {
		m.network = http.DefaultClient
	}
	if len(m.critical) == 0 {
		m.critical = DefaultCriticalPaths
	}
	if m.version == "" {
		m.version = DefaultVersion
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if opts.Logger != nil {
		m.log = opts.Logger.With().Str("component", "shellcache").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	m.netLog = newRateLimitedLogger(m.log, time.Minute, m.clock)
	m.classifier = NewClassifier(m.origin, m.critical)
	return m, nil
}

func (m *CacheManager) now() time.Time { return m.clock() }

// Intercepts reports whether req goes through the cache at all. Everything
// else is passed straight to the network.
func Intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet || req.URL == nil {
		return false
	}
	return req.URL.Scheme == "http" || req.URL.Scheme == "https"
}

// OnFetch resolves one intercepted request. req.URL must be absolute.
// Requests that are not intercepted, or arrive while the worker does not
// control clients, go to the network unchanged; only those can return an
// error.
func (m *CacheManager) OnFetch(ctx context.Context, req *http.Request) (*Response, error) {
	if !Intercepts(req) || m.State() != StateActive {
		return m.passThrough(ctx, req)
	}

	route := m.classifier.Classify(req.URL)
	var (
		resp *Response
		err  error
	)
	switch route.Strategy {
	case CacheFirst:
		resp, err = m.cacheFirst(ctx, req, route)
	default:
		resp, err = m.networkFirst(ctx, req, route)
	}
	if err != nil {
		resp = m.offlineFallback(req, route)
	}

	m.metrics.requests.WithLabelValues(route.Class.String(), string(resp.Source)).Inc()
	m.stats.Observe(resp.Source, len(resp.Body))
	m.log.Debug().
		Str("url", req.URL.String()).
		Str("class", route.Class.String()).
		Str("strategy", route.Strategy.String()).
		Str("source", string(resp.Source)).
		Int("status", resp.Status).
		Msg("fetch")
	return resp, nil
}

func (m *CacheManager) passThrough(ctx context.Context, req *http.Request) (*Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, req.Header)
	out.ContentLength = req.ContentLength

	ent, err := m.do(out)
	if err != nil {
		return nil, err
	}
	return &Response{Entry: ent, Source: SourceBypass}, nil
}

// fetch issues a live GET for u carrying the caller's headers.
func (m *CacheManager) fetch(ctx context.Context, u *url.URL, hdr http.Header) (Entry, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Entry{}, err
	}
	copyHeaders(out.Header, hdr)
	out.Header.Set("Accept-Encoding", "identity")
	return m.do(out)
}

func (m *CacheManager) do(req *http.Request) (Entry, error) {
	resp, err := m.network.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	ent := Entry{
		URL:    requestKey(req.URL),
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   body,
	}
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (m *CacheManager) partition(class ResourceClass) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.parts[class]; ok {
		return p, nil
	}
	p, err := m.storage.Open(class.String())
	if err != nil {
		return nil, err
	}
	m.parts[class] = p
	return p, nil
}

func (m *CacheManager) lookup(part Partition, key string) (Entry, bool) {
	if part == nil {
		return Entry{}, false
	}
	ent, ok, err := part.Get(key)
	if err != nil {
		m.log.Error().Err(err).Str("partition", part.Name()).Str("key", key).Msg("cache read failed")
		return Entry{}, false
	}
	return ent, ok
}

// store writes a stamped copy of ent when it is a 2xx response. The caller
// keeps ownership of ent.
func (m *CacheManager) store(part Partition, key string, ent Entry) {
	if part == nil || !ent.OK() {
		return
	}
	if err := m.put(part, key, ent); err != nil {
		m.log.Error().Err(err).Str("partition", part.Name()).Str("key", key).Msg("cache write failed")
	}
}

func (m *CacheManager) put(part Partition, key string, ent Entry) error {
	c := ent.Clone()
	c.stamp(m.now())
	return part.Put(key, c)
}

func (m *CacheManager) networkFailed(route Route, key string, err error) {
	m.metrics.networkFailures.WithLabelValues(route.Class.String()).Inc()
	m.netLog.Warn(route.Class.String()).Err(err).Str("key", key).Msg("network fetch failed")
}

// resolve turns a path or URL into an absolute URL on the serving origin.
func (m *CacheManager) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return m.origin.ResolveReference(ref), nil
}

// requestKey is the request identity used inside a partition.
func requestKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
