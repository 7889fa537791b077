// Package cache implements the resolver's response cache: a sharded
// fingerprint-to-answer map with TTL expiry and single-flight coalescing
// of concurrent misses, per §4.4 of the resolver specification.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/query"
)

const (
	minTTLFloor    = 1 * time.Second
	defaultMaxTTL  = 3600 * time.Second
	sweepInterval  = 60 * time.Second
	singleFlightTO = 10 * time.Second
	cnameDepth     = 5
	numShards      = 32
)

// Config controls cache sizing and TTL clamping. A Cache keeps the Config
// it was created with.
type Config struct {
	MaxEntries int           // soft limit N, default 10000
	MaxTTL     time.Duration // default 3600s
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = defaultMaxTTL
	}
	return c
}

// Stats is a snapshot of cache counters for StatsSink.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the resolver's response cache. It is safe for concurrent use.
type Cache struct {
	shards [numShards]*shard
	lq     *lookupQueue

	cfg Config

	hits   atomicCounter
	misses atomicCounter

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// New creates a Cache sized per cfg, and starts its background sweep.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	perShard := cfg.MaxEntries/numShards + 1

	c := &Cache{
		lq:        newLookupQueue(),
		cfg:       cfg,
		stopSweep: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = newShard(perShard)
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// Stop halts the background sweep goroutine.
func (c *Cache) Stop() {
	close(c.stopSweep)
	c.wg.Wait()
}

func (c *Cache) shardFor(key uint64) *shard {
	return c.shards[key%numShards]
}

// Lookup probes the cache for q's fingerprint. On a hit it returns an
// Answer with ages decremented per record; on a miss (absent or expired)
// it returns nil, false. If the stored answer is a bare CNAME chain and the
// requested type isn't CNAME, Lookup chases the chain against the cache's
// own store up to cnameDepth hops before giving up.
func (c *Cache) Lookup(question dns.Question) (*query.Answer, bool) {
	now := time.Now()
	ans, ok := c.lookupOnce(question, now)
	if !ok {
		c.misses.add(1)
		return nil, false
	}

	if question.Qtype != dns.TypeCNAME && isBareCNAMEChain(ans, question) {
		ans = c.chaseCNAME(ans, question, now)
	}

	c.hits.add(1)
	return ans, true
}

func (c *Cache) lookupOnce(question dns.Question, now time.Time) (*query.Answer, bool) {
	key := Key(question)
	s := c.shardFor(key)

	e, found := s.get(key)
	if !found {
		return nil, false
	}
	if e.expired(now) {
		s.remove(key)
		return nil, false
	}
	return e.toAnswer(now), true
}

func isBareCNAMEChain(ans *query.Answer, question dns.Question) bool {
	if len(ans.Answer) == 0 {
		return false
	}
	for _, rr := range ans.Answer {
		if rr.Header().Rrtype != dns.TypeCNAME {
			return false
		}
	}
	return true
}

// chaseCNAME follows a cached CNAME chain against the cache's own store,
// appending each hop's records, matching the teacher's additionalAnswer
// enrichment of a plain fingerprint lookup.
func (c *Cache) chaseCNAME(ans *query.Answer, question dns.Question, now time.Time) *query.Answer {
	out := *ans
	name := question.Name
	for depth := 0; depth < cnameDepth; depth++ {
		var target string
		for _, rr := range out.Answer[len(out.Answer)-countAnswersFor(out.Answer, name):] {
			if cname, ok := rr.(*dns.CNAME); ok && rr.Header().Name == name {
				target = cname.Target
			}
		}
		if target == "" {
			break
		}

		next, ok := c.lookupOnce(dns.Question{Name: target, Qtype: question.Qtype, Qclass: question.Qclass}, now)
		if !ok {
			break
		}
		out.Answer = append(out.Answer, next.Answer...)
		if len(next.Answer) == 0 {
			break
		}
		name = target
	}
	return &out
}

func countAnswersFor(rrs []dns.RR, name string) int {
	n := 0
	for _, rr := range rrs {
		if rr.Header().Name == name {
			n++
		}
	}
	if n == 0 {
		return len(rrs)
	}
	return n
}

// Insert stores ans under question's fingerprint if it is cacheable per
// §4.4: positive and NXDOMAIN answers only, no record with TTL=0, clamped
// to [1s, cfg.MaxTTL].
func (c *Cache) Insert(question dns.Question, ans *query.Answer, class query.Class) {
	if !class.Cacheable() {
		return
	}
	if hasZeroTTL(ans.Answer) {
		return
	}

	ttl := c.cfg.MaxTTL
	if min, ok := minTTL(ans.Answer); ok {
		if d := time.Duration(min) * time.Second; d < ttl {
			ttl = d
		}
	}
	if ttl < minTTLFloor {
		ttl = minTTLFloor
	}

	key := Key(question)
	c.shardFor(key).add(key, newEntry(ans, ttl, time.Now()))
}

// Resolver is the upstream dispatch callback single-flighted by Dispatch.
type Resolver func(ctx context.Context, question dns.Question) (*query.Answer, query.Class, error)

// Dispatch performs the single-flight upstream dispatch for a cache miss:
// the first caller for a fingerprint invokes resolve and populates the
// cache; concurrent callers for the same fingerprint attach to that result
// instead of dispatching again.
func (c *Cache) Dispatch(ctx context.Context, question dns.Question, resolve Resolver) (*query.Answer, error) {
	key := Key(question)
	done, owner := c.lq.claim(key)

	if !owner {
		if !c.lq.wait(done, singleFlightTO) {
			return nil, context.DeadlineExceeded
		}
		if ans, ok := c.lookupOnce(question, time.Now()); ok {
			return ans, nil
		}
		// Owner's dispatch failed and nothing was cached; fall through to
		// attempt our own dispatch rather than returning a synthetic error.
		done, owner = c.lq.claim(key)
		if !owner {
			if !c.lq.wait(done, singleFlightTO) {
				return nil, context.DeadlineExceeded
			}
			if ans, ok := c.lookupOnce(question, time.Now()); ok {
				return ans, nil
			}
			return nil, context.DeadlineExceeded
		}
	}

	defer c.lq.release(key)

	ans, class, err := resolve(ctx, question)
	if err != nil {
		return nil, err
	}

	c.Insert(question, ans, class)
	return ans, nil
}

// Clear removes every entry.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.Lock()
		s.items = make(map[uint64]*entry)
		s.Unlock()
	}
}

// ClearByName removes every entry whose fingerprint name equals name,
// regardless of type, per the admin "clear-by-name" operation.
func (c *Cache) ClearByName(name string) {
	name = query.NormalizeName(name)
	for _, qtype := range allQtypes {
		key := Key(dns.Question{Name: name, Qtype: qtype, Qclass: dns.ClassINET})
		c.shardFor(key).remove(key)
	}
}

// allQtypes is the set of record types this resolver ever caches answers
// for; ClearByName walks it because a fingerprint carries no reverse index
// from name to the set of types cached under it.
var allQtypes = []uint16{
	dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeMX, dns.TypeTXT,
	dns.TypePTR, dns.TypeNS, dns.TypeSOA, dns.TypeSRV,
}

// Snapshot returns the current cache statistics.
func (c *Cache) Snapshot() Stats {
	entries := 0
	for _, s := range c.shards {
		entries += s.Len()
	}
	return Stats{Hits: c.hits.value(), Misses: c.misses.value(), Entries: entries}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case now := <-t.C:
			for _, s := range c.shards {
				s.sweepExpired(now)
			}
		}
	}
}
