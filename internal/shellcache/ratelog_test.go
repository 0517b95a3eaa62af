package shellcache

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	clock := newFakeClock()
	l := newRateLimitedLogger(zerolog.New(&buf), time.Minute, clock.Now)

	l.Warn("api").Msg("down")
	l.Warn("api").Msg("down")
	l.Warn("api").Msg("down")
	l.Warn("image").Msg("down")
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	clock.Advance(time.Minute)
	buf.Reset()
	l.Warn("api").Msg("down")
	assert.Contains(t, buf.String(), `"suppressed":2`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(SourceHit, 100)
	s.Observe(SourceNetwork, 300)
	s.Observe(SourceFallback, 20)
	s.Observe(SourceStale, -1)

	ss := s.Snapshot()
	assert.Equal(t, uint64(4), ss.Responses)
	assert.Equal(t, uint64(2), ss.Hits)
	assert.Equal(t, uint64(1), ss.Fallbacks)
	assert.Equal(t, uint64(0), ss.MinBytes)
	assert.Equal(t, uint64(300), ss.MaxBytes)
	assert.Equal(t, uint64(105), ss.AvgBytes)
}
