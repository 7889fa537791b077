package pipeline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd/resolvd/cache"
	"github.com/resolvd/resolvd/localrecords"
	"github.com/resolvd/resolvd/pool"
	"github.com/resolvd/resolvd/query"
	"github.com/resolvd/resolvd/rewrite"
	"github.com/resolvd/resolvd/upstream"
)

// fakeClient answers every query with a canned A record unless told to fail.
type fakeClient struct {
	fail  bool
	ip    string
	calls int
}

func (f *fakeClient) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	f.calls++
	if f.fail {
		return nil, upstream.ErrConnectionFailed
	}
	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(f.ip),
	}}
	return m, nil
}

func (f *fakeClient) Close() error { return nil }

func newTestPipeline(t *testing.T, client *fakeClient) *Pipeline {
	local := localrecords.New()
	rw := rewrite.New(300)
	c := cache.New(cache.Config{})
	t.Cleanup(c.Stop)

	p := pool.New(pool.StrategyConcurrent)
	p.Replace([]upstream.Server{{ID: "a", Name: "a", Protocol: upstream.ProtoUDP, Address: "127.0.0.1:53", Timeout: time.Second}},
		func(upstream.Server) upstream.Client { return client })

	return New(local, rw, c, p)
}

func TestPipelineResolvesViaUpstreamAndCaches(t *testing.T) {
	client := &fakeClient{ip: "1.2.3.4"}
	pl := newTestPipeline(t, client)

	q := query.FromMsg(newQuestionMsg("example.com."), nil, "udp", "t1", time.Now())

	ans := pl.Resolve(context.Background(), q)
	require.Equal(t, dns.RcodeSuccess, ans.Rcode)
	require.Len(t, ans.Answer, 1)

	ans2 := pl.Resolve(context.Background(), q)
	assert.Equal(t, dns.RcodeSuccess, ans2.Rcode)
	assert.True(t, ans2.CacheHit)
	assert.Equal(t, 1, client.calls, "second resolve should be served from cache, not dispatched again")
}

func TestPipelineDisabledTypeReturnsNXDomain(t *testing.T) {
	client := &fakeClient{ip: "1.2.3.4"}
	pl := newTestPipeline(t, client)
	pl.DisabledTypes[dns.TypeAAAA] = true

	q := query.FromMsg(newQuestionMsgType("example.com.", dns.TypeAAAA), nil, "udp", "t1", time.Now())
	ans := pl.Resolve(context.Background(), q)

	assert.Equal(t, dns.RcodeNameError, ans.Rcode)
	assert.Equal(t, 0, client.calls)
}

func TestPipelineLocalRecordShortCircuitsUpstream(t *testing.T) {
	client := &fakeClient{ip: "1.2.3.4"}
	pl := newTestPipeline(t, client)
	pl.Local.Replace([]localrecords.Record{
		{ID: "r1", Name: "local.example.com.", Type: dns.TypeA, Value: "10.0.0.1", TTL: 30, Enabled: true},
	})

	q := query.FromMsg(newQuestionMsg("local.example.com."), nil, "udp", "t1", time.Now())
	ans := pl.Resolve(context.Background(), q)

	require.Len(t, ans.Answer, 1)
	a := ans.Answer[0].(*dns.A)
	assert.Equal(t, "10.0.0.1", a.A.String())
	assert.Equal(t, 0, client.calls)
}

func TestPipelineBlockRewriteReturnsNXDomain(t *testing.T) {
	client := &fakeClient{ip: "1.2.3.4"}
	pl := newTestPipeline(t, client)
	pl.Rewrite.Replace([]rewrite.Rule{
		{ID: "r1", Pattern: "blocked.example.com.", Match: rewrite.MatchExact, Act: rewrite.ActionBlock, Enabled: true},
	})

	q := query.FromMsg(newQuestionMsg("blocked.example.com."), nil, "udp", "t1", time.Now())
	ans := pl.Resolve(context.Background(), q)

	assert.Equal(t, dns.RcodeNameError, ans.Rcode)
	assert.Equal(t, "r1", ans.RuleID)
	assert.Equal(t, 0, client.calls)
}

func TestPipelineAllUpstreamsFailReturnsServfail(t *testing.T) {
	client := &fakeClient{fail: true}
	pl := newTestPipeline(t, client)

	q := query.FromMsg(newQuestionMsg("example.com."), nil, "udp", "t1", time.Now())
	ans := pl.Resolve(context.Background(), q)

	assert.Equal(t, dns.RcodeServerFailure, ans.Rcode)
}

func newQuestionMsg(name string) *dns.Msg {
	return newQuestionMsgType(name, dns.TypeA)
}

func newQuestionMsgType(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	return m
}
