package shellcache

import (
	"context"
	"net/http"
)

// cacheFirst serves a fresh cached entry when there is one. On a miss or an
// expired entry it goes to the network, and falls back to the expired entry
// if the network fails.
func (m *CacheManager) cacheFirst(ctx context.Context, req *http.Request, route Route) (*Response, error) {
	key := requestKey(req.URL)
	part := m.routePartition(route)

	cached, found := m.lookup(part, key)
	if found && !m.policy.Expired(cached, route.Class, m.now()) {
		return &Response{Entry: cached, Source: SourceHit, Class: route.Class}, nil
	}

	fresh, err := m.fetchMiss(ctx, req, part, key)
	if err != nil {
		if ctx.Err() == nil {
			m.networkFailed(route, key, err)
		}
		if found {
			return &Response{Entry: cached, Source: SourceStale, Class: route.Class}, nil
		}
		return nil, err
	}
	return &Response{Entry: fresh, Source: SourceNetwork, Class: route.Class}, nil
}

// fetchMiss fetches and stores a cache-first miss. Requests without
// credentials share one fetch per key. The shared fetch does not inherit any
// caller's cancellation; each caller stops waiting when its own ctx is done.
func (m *CacheManager) fetchMiss(ctx context.Context, req *http.Request, part Partition, key string) (Entry, error) {
	if hasCredentials(req.Header) {
		fresh, err := m.fetch(ctx, req.URL, req.Header)
		if err != nil {
			return Entry{}, err
		}
		m.store(part, key, fresh)
		return fresh, nil
	}

	u, hdr := req.URL, req.Header.Clone()
	ch := m.flight.DoChan(key, func() (any, error) {
		fresh, err := m.fetch(context.WithoutCancel(ctx), u, hdr)
		if err != nil {
			return nil, err
		}
		m.store(part, key, fresh)
		return fresh, nil
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		// callers sharing a flight each get their own copy
		return res.Val.(Entry).Clone(), nil
	}
}

var credentialHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

func hasCredentials(h http.Header) bool {
	for _, k := range credentialHeaders {
		if h.Get(k) != "" {
			return true
		}
	}
	return false
}

// networkFirst always tries the network and only reads the cache when the
// fetch fails.
func (m *CacheManager) networkFirst(ctx context.Context, req *http.Request, route Route) (*Response, error) {
	key := requestKey(req.URL)
	part := m.routePartition(route)

	fresh, err := m.fetch(ctx, req.URL, req.Header)
	if err == nil {
		m.store(part, key, fresh)
		return &Response{Entry: fresh, Source: SourceNetwork, Class: route.Class}, nil
	}

	m.networkFailed(route, key, err)
	if cached, ok := m.lookup(part, key); ok {
		return &Response{Entry: cached, Source: SourceStale, Class: route.Class}, nil
	}
	return nil, err
}

// routePartition returns nil when the partition cannot be opened; the
// strategies then behave as if the cache were empty.
func (m *CacheManager) routePartition(route Route) Partition {
	part, err := m.partition(route.Class)
	if err != nil {
		m.log.Error().Err(err).Str("partition", route.Class.String()).Msg("open partition failed")
		return nil
	}
	return part
}
