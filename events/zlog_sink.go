package events

import (
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// ZlogSink is a default LogSink that emits one structured log line per
// query event, matching the teacher's key/value logging convention.
type ZlogSink struct{}

func (ZlogSink) EmitQuery(e QueryEvent) {
	zlog.Info("query",
		"trace", e.TraceID,
		"client", e.Client,
		"name", e.Name,
		"type", dns.TypeToString[e.Type],
		"rcode", dns.RcodeToString[e.Rcode],
		"rtt_us", e.ResponseTime.Microseconds(),
		"cache_hit", e.CacheHit,
		"upstream", e.Upstream,
		"rule", e.RewriteRuleID,
		"bytes_in", e.BytesIn,
		"bytes_out", e.BytesOut,
	)
}
