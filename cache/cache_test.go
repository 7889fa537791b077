package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd/resolvd/query"
)

func TestCacheHitAfterInsert(t *testing.T) {
	c := New(Config{MaxEntries: 100})
	defer c.Stop()

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	rr, err := dns.NewRR("example.com. 300 IN A 93.184.216.34")
	require.NoError(t, err)

	ans := &query.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}, RecursionAvailable: true}
	c.Insert(q, ans, query.ClassPositive)

	got, ok := c.Lookup(q)
	require.True(t, ok)
	require.Len(t, got.Answer, 1)
	ttl := got.Answer[0].Header().Ttl
	assert.GreaterOrEqual(t, ttl, uint32(295))
	assert.LessOrEqual(t, ttl, uint32(300))
}

func TestCacheMissOnExpiry(t *testing.T) {
	c := New(Config{MaxEntries: 100})
	defer c.Stop()

	q := dns.Question{Name: "expired.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	rr, err := dns.NewRR("expired.example.com. 1 IN A 1.2.3.4")
	require.NoError(t, err)
	ans := &query.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}}

	key := Key(q)
	c.shardFor(key).add(key, newEntry(ans, 1*time.Millisecond, time.Now().Add(-time.Hour)))

	_, ok := c.Lookup(q)
	assert.False(t, ok)
}

func TestCacheZeroTTLNotCached(t *testing.T) {
	c := New(Config{MaxEntries: 100})
	defer c.Stop()

	q := dns.Question{Name: "zero.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	rr, err := dns.NewRR("zero.example.com. 0 IN A 1.2.3.4")
	require.NoError(t, err)
	ans := &query.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}}

	c.Insert(q, ans, query.ClassPositive)

	_, ok := c.Lookup(q)
	assert.False(t, ok)
}

func TestCacheServfailNotCached(t *testing.T) {
	c := New(Config{MaxEntries: 100})
	defer c.Stop()

	q := dns.Question{Name: "fail.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	c.Insert(q, query.ServFail(), query.ClassServerFailure)

	_, ok := c.Lookup(q)
	assert.False(t, ok)
}

func TestCacheClearByName(t *testing.T) {
	c := New(Config{MaxEntries: 100})
	defer c.Stop()

	q := dns.Question{Name: "clearme.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	rr, err := dns.NewRR("clearme.example.com. 300 IN A 1.2.3.4")
	require.NoError(t, err)
	c.Insert(q, &query.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}}, query.ClassPositive)

	_, ok := c.Lookup(q)
	require.True(t, ok)

	c.ClearByName("clearme.example.com.")

	_, ok = c.Lookup(q)
	assert.False(t, ok)
}

// TestSingleFlightCoalescesDispatch reproduces scenario 5 from the testable
// properties: 50 concurrent identical queries against a cold cache must
// trigger exactly one upstream dispatch.
func TestSingleFlightCoalescesDispatch(t *testing.T) {
	c := New(Config{MaxEntries: 100})
	defer c.Stop()

	q := dns.Question{Name: "singleflight.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	var dispatches atomic.Int32
	resolve := func(ctx context.Context, question dns.Question) (*query.Answer, query.Class, error) {
		dispatches.Add(1)
		time.Sleep(20 * time.Millisecond)
		rr, _ := dns.NewRR("singleflight.example.com. 300 IN A 9.9.9.9")
		return &query.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}}, query.ClassPositive, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*query.Answer, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ans, err := c.Dispatch(context.Background(), q, resolve)
			require.NoError(t, err)
			results[i] = ans
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dispatches.Load())
	for _, r := range results {
		require.NotNil(t, r)
		require.Len(t, r.Answer, 1)
	}

	assert.Equal(t, 1, c.Snapshot().Entries)
}
