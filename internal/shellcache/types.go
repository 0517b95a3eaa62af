package shellcache

import (
	"net/http"
	"strconv"
	"time"
)

// TimestampHeader carries the cache-write time (unix milliseconds) on stored
// snapshots so the age survives export to other caches.
const TimestampHeader = "Sw-Cache-Timestamp"

// Entry is a stored response snapshot.
type Entry struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte

	// StoredAt is the cache-write time in unix nanoseconds. Zero means the
	// entry was written without metadata.
	StoredAt int64
}

// OK reports whether the snapshot has a 2xx status.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Clone returns a deep copy so a cache write and a response write never share
// a header map or body slice.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

// Timestamp returns the write time recorded on the entry, preferring the
// struct field and then the header marker.
func (e Entry) Timestamp() (time.Time, bool) {
	if e.StoredAt > 0 {
		return time.Unix(0, e.StoredAt), true
	}
	v := e.Header.Get(TimestampHeader)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (e *Entry) stamp(now time.Time) {
	e.StoredAt = now.UnixNano()
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Set(TimestampHeader, strconv.FormatInt(now.UnixMilli(), 10))
}

func (e Entry) size() int64 {
	n := int64(len(e.Body) + len(e.URL))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Source tells where a response came from.
type Source string

const (
	SourceHit      Source = "hit"
	SourceStale    Source = "stale"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// Response is what an intercepted fetch resolves to.
type Response struct {
	Entry
	Source Source
	Class  ResourceClass
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
