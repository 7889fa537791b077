// Package events defines the LogSink and StatsSink collaborator
// interfaces of §6, plus zlog/v2- and Prometheus-backed default
// implementations the resolver core is not required to use but ships for
// convenience.
package events

import (
	"net"
	"time"
)

// QueryEvent is emitted once per completed query, per §6's LogSink field
// list.
type QueryEvent struct {
	TraceID       string
	Arrived       time.Time
	Client        net.Addr
	Name          string
	Type          uint16
	Rcode         int
	ResponseTime  time.Duration
	CacheHit      bool
	Upstream      string // empty if none was dispatched
	RewriteRuleID string // empty if no rule applied
	BytesIn       int
	BytesOut      int
}

// LogSink receives one QueryEvent per completed query.
type LogSink interface {
	EmitQuery(QueryEvent)
}

// CacheStats mirrors cache.Stats without importing the cache package, to
// avoid a dependency cycle between events and cache.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// UpstreamStatsSnapshot mirrors pool.ServerSnapshot for the same reason.
type UpstreamStatsSnapshot struct {
	ID       string
	Name     string
	Queries  int64
	Failures int64
	InFlight int64
	Healthy  bool
	EMAMicros int64
}

// ListenerCounters is a per-protocol listener counter snapshot.
type ListenerCounters struct {
	Protocol string
	Accepted uint64
	Rejected uint64
}

// StatsSnapshot is the periodic push payload for StatsSink.
type StatsSnapshot struct {
	Cache     CacheStats
	Upstreams []UpstreamStatsSnapshot
	Listeners []ListenerCounters
}

// StatsSink receives a periodic snapshot of the resolver's counters.
type StatsSink interface {
	PushStats(StatsSnapshot)
}
