// Package pool implements the upstream pool of §4.3: the set of enabled
// UpstreamServer entries, their health/latency counters, and the four
// selection strategies (concurrent, fastest, round-robin, random).
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/query"
	"github.com/resolvd/resolvd/upstream"
)

// Strategy selects which enabled servers a miss is dispatched to.
type Strategy int

const (
	StrategyConcurrent Strategy = iota
	StrategyFastest
	StrategyRoundRobin
	StrategyRandom
)

// ParseStrategy maps a GlobalSettings.strategy string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "concurrent":
		return StrategyConcurrent, nil
	case "fastest":
		return StrategyFastest, nil
	case "round-robin":
		return StrategyRoundRobin, nil
	case "random":
		return StrategyRandom, nil
	default:
		return 0, fmt.Errorf("pool: unknown strategy %q", s)
	}
}

// member is one enabled server plus its client and stats.
type member struct {
	server upstream.Server
	client upstream.Client
	stats  *Stats
	// limiter is an optional per-upstream token bucket, the SUPPLEMENTED
	// FEATURES per-upstream rate limit carried from the original's
	// upstream.rs concurrency tracking.
	limiter *rateLimiter
}

// Pool holds the enabled upstream set and dispatches misses per the
// current Strategy. A Pool is safe for concurrent use; membership changes
// take a short lock, counters are atomic.
type Pool struct {
	mu       sync.RWMutex
	members  []*member
	strategy atomic.Int32

	rrCounter atomic.Uint64
}

// New returns an empty Pool using strategy s.
func New(s Strategy) *Pool {
	p := &Pool{}
	p.strategy.Store(int32(s))
	return p
}

// SetStrategy atomically swaps the active strategy.
func (p *Pool) SetStrategy(s Strategy) {
	p.strategy.Store(int32(s))
}

func (p *Pool) currentStrategy() Strategy {
	return Strategy(p.strategy.Load())
}

// Replace atomically swaps the pool's server membership for a fresh config
// snapshot. Servers are matched by ID across the swap so their stats and
// pooled connections carry over; genuinely new IDs start fresh.
func (p *Pool) Replace(servers []upstream.Server, newClient func(upstream.Server) upstream.Client) {
	p.mu.Lock()
	old := make(map[string]*member, len(p.members))
	for _, m := range p.members {
		old[m.server.ID] = m
	}

	next := make([]*member, 0, len(servers))
	for _, s := range servers {
		if m, ok := old[s.ID]; ok {
			m.server = s
			next = append(next, m)
			delete(old, s.ID)
			continue
		}
		next = append(next, &member{server: s, client: newClient(s), stats: newStats(), limiter: newRateLimiter(s.RateLimitQPS)})
	}
	p.members = next
	p.mu.Unlock()

	for _, m := range old {
		_ = m.client.Close()
	}
}

func (p *Pool) snapshot() []*member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*member(nil), p.members...)
}

func (p *Pool) healthyMembers() []*member {
	var healthy []*member
	for _, m := range p.snapshot() {
		if m.stats.Healthy() {
			healthy = append(healthy, m)
		}
	}
	return healthy
}

// ErrNoUpstream is returned when no enabled, healthy server is available.
var ErrNoUpstream = errors.New("pool: no healthy upstream available")

// Query dispatches req per the active strategy and returns the winning
// decoded answer plus its classification, or an error if every attempt
// failed. The caller's ctx deadline bounds the whole call regardless of
// strategy, per §4.3.
func (p *Pool) Query(ctx context.Context, req *dns.Msg) (*query.Answer, query.Class, string, error) {
	healthy := p.healthyMembers()
	if len(healthy) == 0 {
		return nil, query.ClassServerFailure, "", ErrNoUpstream
	}

	switch p.currentStrategy() {
	case StrategyFastest:
		return p.queryFastest(ctx, req, healthy)
	case StrategyRoundRobin:
		return p.queryRoundRobin(ctx, req, healthy)
	case StrategyRandom:
		return p.queryRandom(ctx, req, healthy)
	default:
		return p.queryConcurrent(ctx, req, healthy)
	}
}

// dispatchOne sends req to m within m.server.Timeout (bounded by ctx) and
// records the outcome in its stats.
func (p *Pool) dispatchOne(ctx context.Context, m *member, req *dns.Msg) (*dns.Msg, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return nil, fmt.Errorf("%w: rate limited", upstream.ErrConnectionFailed)
	}

	deadline := time.Now().Add(m.server.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	m.stats.InFlight.Add(1)
	defer m.stats.InFlight.Add(-1)

	start := time.Now()
	resp, err := m.client.Resolve(dctx, req)
	if err != nil {
		m.stats.RecordFailure()
		return nil, err
	}

	m.stats.RecordSuccess(time.Since(start))
	return resp, nil
}

func toAnswer(m *dns.Msg, upstreamName string) (*query.Answer, query.Class) {
	class := query.Classify(m)
	return &query.Answer{
		Rcode:              m.Rcode,
		Answer:             m.Answer,
		Ns:                 m.Ns,
		Extra:              m.Extra,
		RecursionAvailable: true,
		Upstream:           upstreamName,
	}, class
}

// isWinner reports whether m's response counts as a successful completion
// per the Open Question resolution in DESIGN NOTES: both NOERROR (with or
// without answers) and NXDOMAIN win; only SERVFAIL-class responses don't.
func isWinner(m *dns.Msg) bool {
	return query.Classify(m) != query.ClassServerFailure
}

func (p *Pool) queryConcurrent(ctx context.Context, req *dns.Msg, members []*member) (*query.Answer, query.Class, string, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *dns.Msg
		name string
		err  error
	}
	ch := make(chan result, len(members))

	for _, m := range members {
		go func(m *member) {
			resp, err := p.dispatchOne(cctx, m, req.Copy())
			ch <- result{resp: resp, name: m.server.Name, err: err}
		}(m)
	}

	var lastErr error
	for i := 0; i < len(members); i++ {
		select {
		case r := <-ch:
			if r.err != nil {
				lastErr = r.err
				continue
			}
			if isWinner(r.resp) {
				cancel()
				ans, class := toAnswer(r.resp, r.name)
				return ans, class, r.name, nil
			}
		case <-ctx.Done():
			return nil, query.ClassServerFailure, "", ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = ErrNoUpstream
	}
	return nil, query.ClassServerFailure, "", lastErr
}

func (p *Pool) queryFastest(ctx context.Context, req *dns.Msg, members []*member) (*query.Answer, query.Class, string, error) {
	var best *member
	var bestEMA time.Duration

	for _, m := range members {
		ema, ok := m.stats.EMA()
		if !ok {
			// no response-time samples yet: fall back to concurrent mode.
			return p.queryConcurrent(ctx, req, members)
		}
		if best == nil || ema < bestEMA {
			best, bestEMA = m, ema
		}
	}

	resp, err := p.dispatchOne(ctx, best, req.Copy())
	if err != nil || !isWinner(resp) {
		// chosen server failed: fall back to concurrent mode per §4.3.
		return p.queryConcurrent(ctx, req, members)
	}
	ans, class := toAnswer(resp, best.server.Name)
	return ans, class, best.server.Name, nil
}

func (p *Pool) queryRoundRobin(ctx context.Context, req *dns.Msg, members []*member) (*query.Answer, query.Class, string, error) {
	budget := len(members)
	if budget > 3 {
		budget = 3
	}

	var lastErr error
	for i := 0; i < budget; i++ {
		idx := p.rrCounter.Add(1) - 1
		m := members[int(idx)%len(members)]

		resp, err := p.dispatchOne(ctx, m, req.Copy())
		if err != nil {
			lastErr = err
			continue
		}
		if isWinner(resp) {
			ans, class := toAnswer(resp, m.server.Name)
			return ans, class, m.server.Name, nil
		}
		lastErr = fmt.Errorf("%w: remote servfail", upstream.ErrRemoteServFail)
	}

	if lastErr == nil {
		lastErr = ErrNoUpstream
	}
	return nil, query.ClassServerFailure, "", lastErr
}

func (p *Pool) queryRandom(ctx context.Context, req *dns.Msg, members []*member) (*query.Answer, query.Class, string, error) {
	first := members[rand.Intn(len(members))]
	resp, err := p.dispatchOne(ctx, first, req.Copy())
	if err == nil && isWinner(resp) {
		ans, class := toAnswer(resp, first.server.Name)
		return ans, class, first.server.Name, nil
	}

	if len(members) == 1 {
		if err == nil {
			err = fmt.Errorf("%w: remote servfail", upstream.ErrRemoteServFail)
		}
		return nil, query.ClassServerFailure, "", err
	}

	var second *member
	for {
		second = members[rand.Intn(len(members))]
		if second != first {
			break
		}
	}

	resp2, err2 := p.dispatchOne(ctx, second, req.Copy())
	if err2 != nil || !isWinner(resp2) {
		if err2 == nil {
			err2 = fmt.Errorf("%w: remote servfail", upstream.ErrRemoteServFail)
		}
		return nil, query.ClassServerFailure, "", err2
	}
	ans, class := toAnswer(resp2, second.server.Name)
	return ans, class, second.server.Name, nil
}

// Snapshot returns a per-server stats view for StatsSink.
func (p *Pool) Snapshot() map[string]ServerSnapshot {
	out := make(map[string]ServerSnapshot)
	for _, m := range p.snapshot() {
		ema, _ := m.stats.EMA()
		out[m.server.ID] = ServerSnapshot{
			Name:     m.server.Name,
			Queries:  m.stats.Queries.Load(),
			Failures: m.stats.Failures.Load(),
			InFlight: m.stats.InFlight.Load(),
			Healthy:  m.stats.Healthy(),
			EMA:      ema,
		}
	}
	return out
}

// ServerSnapshot is a point-in-time view of one server's UpstreamStats.
type ServerSnapshot struct {
	Name     string
	Queries  int64
	Failures int64
	InFlight int64
	Healthy  bool
	EMA      time.Duration
}
