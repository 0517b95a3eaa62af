package shellcache

import (
	"net/http"
	"strings"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#f0f0f0"/>` +
	`<text x="100" y="100" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="14" fill="#999">Offline</text>` +
	`</svg>`

const offlineText = "Offline"

type requestKind string

const (
	kindDocument requestKind = "document"
	kindImage    requestKind = "image"
	kindGeneric  requestKind = "generic"
)

func classifyRequestKind(req *http.Request, route Route) requestKind {
	switch req.Header.Get("Sec-Fetch-Dest") {
	case "document":
		return kindDocument
	case "image":
		return kindImage
	case "":
	default:
		return kindGeneric
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return kindDocument
	}
	if route.Class == ClassImage {
		return kindImage
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return kindDocument
	}
	return kindGeneric
}

// offlineFallback builds a substitute response without touching the network.
func (m *CacheManager) offlineFallback(req *http.Request, route Route) *Response {
	kind := classifyRequestKind(req, route)
	switch kind {
	case kindDocument:
		if ent, ok := m.cachedShell(); ok {
			m.metrics.fallbacks.WithLabelValues(string(kind)).Inc()
			return &Response{Entry: ent, Source: SourceFallback, Class: ClassCritical}
		}
		// no shell cached; same as any other request
		kind = kindGeneric
	case kindImage:
		m.metrics.fallbacks.WithLabelValues(string(kind)).Inc()
		return &Response{
			Entry: Entry{
				URL:    requestKey(req.URL),
				Status: http.StatusOK,
				Header: http.Header{
					"Content-Type":  {"image/svg+xml"},
					"Cache-Control": {"no-store"},
				},
				Body: []byte(placeholderSVG),
			},
			Source: SourceFallback,
			Class:  route.Class,
		}
	}

	m.metrics.fallbacks.WithLabelValues(string(kind)).Inc()
	return &Response{
		Entry: Entry{
			URL:    requestKey(req.URL),
			Status: http.StatusServiceUnavailable,
			Header: http.Header{
				"Content-Type":  {"text/plain; charset=utf-8"},
				"Cache-Control": {"no-store"},
			},
			Body: []byte(offlineText),
		},
		Source: SourceFallback,
		Class:  route.Class,
	}
}

// cachedShell returns the cached root or index document.
func (m *CacheManager) cachedShell() (Entry, bool) {
	part, err := m.partition(ClassCritical)
	if err != nil {
		return Entry{}, false
	}
	for _, p := range []string{"/", "/index.html"} {
		u, err := m.resolve(p)
		if err != nil {
			continue
		}
		if ent, ok := m.lookup(part, requestKey(u)); ok {
			return ent, true
		}
	}
	return Entry{}, false
}
