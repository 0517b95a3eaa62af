package shellcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests        *prometheus.CounterVec
	networkFailures *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	evicted         prometheus.Counter
	entries         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "requests_total",
			Help:      "Intercepted requests by resource class and response source.",
		}, []string{"class", "source"}),
		networkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "network_failures_total",
			Help:      "Network fetches that failed, by resource class.",
		}, []string{"class"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "offline_fallbacks_total",
			Help:      "Synthesized offline responses by kind.",
		}, []string{"kind"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "partitions_evicted_total",
			Help:      "Partitions deleted during activation.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellcache",
			Name:      "entries",
			Help:      "Cached entries across all partitions at the last size query.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.networkFailures, m.fallbacks, m.evicted, m.entries)
	}
	return m
}
