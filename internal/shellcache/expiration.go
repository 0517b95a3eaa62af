package shellcache

import "time"

const day = 24 * time.Hour

// DefaultTTLs is the per-class freshness lifetime.
var DefaultTTLs = map[ResourceClass]time.Duration{
	ClassCritical: 7 * day,
	ClassStatic:   30 * day,
	ClassAPI:      5 * time.Minute,
	ClassImage:    7 * day,
	ClassFont:     30 * day,
}

// ExpirationPolicy decides whether a cached entry may still be served.
type ExpirationPolicy struct {
	ttls map[ResourceClass]time.Duration
}

// NewExpirationPolicy returns the default policy with overrides applied.
// Non-positive overrides are ignored.
func NewExpirationPolicy(overrides map[ResourceClass]time.Duration) ExpirationPolicy {
	ttls := make(map[ResourceClass]time.Duration, len(DefaultTTLs))
	for c, d := range DefaultTTLs {
		ttls[c] = d
	}
	for c, d := range overrides {
		if d > 0 {
			ttls[c] = d
		}
	}
	return ExpirationPolicy{ttls: ttls}
}

func (p ExpirationPolicy) TTL(class ResourceClass) time.Duration {
	if d, ok := p.ttls[class]; ok {
		return d
	}
	return p.ttls[ClassStatic]
}

// Expired reports whether ent is older than its class TTL at now. Entries
// without any timestamp never expire.
func (p ExpirationPolicy) Expired(ent Entry, class ResourceClass, now time.Time) bool {
	ts, ok := ent.Timestamp()
	if !ok {
		return false
	}
	return now.Sub(ts) > p.TTL(class)
}
