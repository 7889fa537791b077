package events

import (
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStatsSink is a default StatsSink that exposes cache and
// upstream counters as Prometheus gauges/counters, grounded on the
// teacher's middleware/metrics package.
type PrometheusStatsSink struct {
	cacheHits    prometheus.Gauge
	cacheMisses  prometheus.Gauge
	cacheEntries prometheus.Gauge

	upstreamQueries  *prometheus.GaugeVec
	upstreamFailures *prometheus.GaugeVec
	upstreamHealthy  *prometheus.GaugeVec
}

// NewPrometheusStatsSink registers and returns a PrometheusStatsSink on
// reg (use prometheus.DefaultRegisterer for the global registry).
func NewPrometheusStatsSink(reg prometheus.Registerer) *PrometheusStatsSink {
	s := &PrometheusStatsSink{
		cacheHits:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "resolvd_cache_hits_total", Help: "Cumulative cache lookups that hit."}),
		cacheMisses:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "resolvd_cache_misses_total", Help: "Cumulative cache lookups that missed."}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{Name: "resolvd_cache_entries", Help: "Current cache entry count."}),
		upstreamQueries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resolvd_upstream_queries_total", Help: "Queries dispatched per upstream.",
		}, []string{"upstream"}),
		upstreamFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resolvd_upstream_failures_total", Help: "Failed queries per upstream.",
		}, []string{"upstream"}),
		upstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resolvd_upstream_healthy", Help: "1 if the upstream is currently healthy.",
		}, []string{"upstream"}),
	}

	reg.MustRegister(s.cacheHits, s.cacheMisses, s.cacheEntries,
		s.upstreamQueries, s.upstreamFailures, s.upstreamHealthy)

	return s
}

func (s *PrometheusStatsSink) PushStats(snap StatsSnapshot) {
	// Counters only move forward; we track the last-seen cumulative
	// value implicitly by letting Set-via-counter calls be idempotent
	// pushes of the running total rather than deltas.
	s.cacheEntries.Set(float64(snap.Cache.Entries))
	s.cacheHits.Set(float64(snap.Cache.Hits))
	s.cacheMisses.Set(float64(snap.Cache.Misses))

	for _, u := range snap.Upstreams {
		s.upstreamQueries.WithLabelValues(u.Name).Set(float64(u.Queries))
		s.upstreamFailures.WithLabelValues(u.Name).Set(float64(u.Failures))
		healthy := 0.0
		if u.Healthy {
			healthy = 1.0
		}
		s.upstreamHealthy.WithLabelValues(u.Name).Set(healthy)
	}
}

// QTypeRcodeLabels is a convenience for a LogSink that also wants to
// increment a per-type/rcode counter, matching the teacher's
// dns_queries_total metric shape.
func QTypeRcodeLabels(qtype uint16, rcode int) prometheus.Labels {
	return prometheus.Labels{"qtype": dns.TypeToString[qtype], "rcode": dns.RcodeToString[rcode]}
}
