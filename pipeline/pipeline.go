// Package pipeline implements the resolver pipeline of §4.7: the ordering
// of local records, rewrite rules, cache, and upstream pool that turns a
// Query into an Answer.
package pipeline

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/resolvd/resolvd/cache"
	"github.com/resolvd/resolvd/events"
	"github.com/resolvd/resolvd/localrecords"
	"github.com/resolvd/resolvd/pool"
	"github.com/resolvd/resolvd/query"
	"github.com/resolvd/resolvd/rewrite"
)

// Pipeline owns the components the spec orders C5->C6->C4->C3 across.
// Tests instantiate fresh pipelines; there is no process-level singleton.
type Pipeline struct {
	Local   *localrecords.Store
	Rewrite *rewrite.Engine
	Cache   *cache.Cache
	Pool    *pool.Pool

	DisabledTypes map[uint16]bool
	Deadline      time.Duration // overall pipeline deadline, default 8s

	Log events.LogSink
}

// New returns a Pipeline with default deadline 8s; callers set Log
// explicitly since a nil LogSink is valid (events are simply dropped).
func New(local *localrecords.Store, rw *rewrite.Engine, c *cache.Cache, p *pool.Pool) *Pipeline {
	return &Pipeline{
		Local:         local,
		Rewrite:       rw,
		Cache:         c,
		Pool:          p,
		DisabledTypes: map[uint16]bool{},
		Deadline:      8 * time.Second,
	}
}

// Resolve runs q through the pipeline and returns the Answer a listener
// should encode and send back. It never panics: a recover() guard at this
// boundary converts any internal panic into SERVFAIL and logs it, per §7's
// crash-free mandate.
func (p *Pipeline) Resolve(ctx context.Context, q *query.Query) (ans *query.Answer) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			zlog.Error("pipeline panic recovered", "error", r, "stack", string(debug.Stack()))
			ans = query.ServFail()
		}
		p.emit(q, ans, start)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	return p.resolve(ctx, q)
}

func (p *Pipeline) resolve(ctx context.Context, q *query.Query) *query.Answer {
	// Step 1: disabled types short-circuit before any lookup.
	if p.DisabledTypes[q.Type] {
		return query.NXDomain()
	}

	name := q.Name
	for hop := 0; ; hop++ {
		if hop > rewrite.MaxRewrites() {
			return query.ServFail()
		}

		// Step 2: local records.
		question := dns.Question{Name: name, Qtype: q.Type, Qclass: dns.ClassINET}
		if ans, ok := p.Local.Lookup(question); ok {
			return ans
		}

		// Step 3: rewrite rules.
		res := p.Rewrite.Apply(name, q.Type)
		if res.Matched {
			if res.Answer != nil {
				res.Answer.RuleID = res.RuleID
				return res.Answer
			}
			name = res.NewName
			continue // loop back to step 2 under the rewritten name
		}

		break
	}

	question := dns.Question{Name: name, Qtype: q.Type, Qclass: dns.ClassINET}

	// Step 4: cache lookup.
	if ans, ok := p.Cache.Lookup(question); ok {
		return ans
	}

	// Step 5+6+7: single-flight upstream dispatch.
	ans, err := p.Cache.Dispatch(ctx, question, func(dctx context.Context, q dns.Question) (*query.Answer, query.Class, error) {
		req := new(dns.Msg)
		req.SetQuestion(q.Name, q.Qtype)
		req.RecursionDesired = true

		a, class, upstreamName, perr := p.Pool.Query(dctx, req)
		if perr != nil {
			return nil, query.ClassServerFailure, perr
		}
		a.Upstream = upstreamName
		return a, class, nil
	})
	if err != nil {
		return query.ServFail()
	}

	return ans
}

func (p *Pipeline) emit(q *query.Query, ans *query.Answer, start time.Time) {
	if p.Log == nil || ans == nil {
		return
	}
	p.Log.EmitQuery(events.QueryEvent{
		TraceID:       q.TraceID,
		Arrived:       q.Arrived,
		Client:        q.RemoteAddr,
		Name:          q.Name,
		Type:          q.Type,
		Rcode:         ans.Rcode,
		ResponseTime:  time.Since(start),
		CacheHit:      ans.CacheHit,
		Upstream:      ans.Upstream,
		RewriteRuleID: ans.RuleID,
	})
}
