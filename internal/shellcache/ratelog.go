package shellcache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one event per key per interval and counts
// what it dropped in between.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastAt     map[string]time.Time
	suppressed map[string]int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration, now func() time.Time) *rateLimitedLogger {
	return &rateLimitedLogger{
		log:        log,
		interval:   interval,
		now:        now,
		lastAt:     map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

// Warn returns an event for key or nil when the key logged recently.
// Callers must handle the nil event (zerolog treats nil events as disabled).
func (l *rateLimitedLogger) Warn(key string) *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.suppressed[key]++
		return nil
	}
	l.lastAt[key] = now
	ev := l.log.Warn()
	if n := l.suppressed[key]; n > 0 {
		ev = ev.Int("suppressed", n)
		delete(l.suppressed, key)
	}
	return ev
}
