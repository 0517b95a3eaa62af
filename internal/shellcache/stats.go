package shellcache

import (
	"math"
	"sync/atomic"
)

// statsCollector tracks served responses since start.
type statsCollector struct {
	responses atomic.Uint64
	hits      atomic.Uint64
	fallbacks atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.responses.Add(1)
	s.bytes.Add(n)
	switch src {
	case SourceHit, SourceStale:
		s.hits.Add(1)
	case SourceFallback:
		s.fallbacks.Add(1)
	}

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	Hits      uint64
	Fallbacks uint64
	MinBytes  uint64
	MaxBytes  uint64
	AvgBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		Hits:      s.hits.Load(),
		Fallbacks: s.fallbacks.Load(),
		MinBytes:  minv,
		MaxBytes:  s.maxBytes.Load(),
		AvgBytes:  s.bytes.Load() / count,
	}
}
