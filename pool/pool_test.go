package pool

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd/resolvd/upstream"
)

// fakeClient is an in-process upstream.Client stand-in for pool tests.
type fakeClient struct {
	delay   time.Duration
	answer  string
	rcode   int
	fail    bool
	queried int
}

func (f *fakeClient) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	f.queried++
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.fail {
		return nil, upstream.ErrConnectionFailed
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = f.rcode
	if f.answer != "" {
		rr, _ := dns.NewRR(req.Question[0].Name + " 300 IN A " + f.answer)
		resp.Answer = []dns.RR{rr}
	}
	return resp, nil
}

func (f *fakeClient) Close() error { return nil }

func newQuestionMsg(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	return m
}

func TestConcurrentStrategyPicksFastest(t *testing.T) {
	slow := &fakeClient{delay: 200 * time.Millisecond, answer: "2.2.2.2", rcode: dns.RcodeSuccess}
	fast := &fakeClient{delay: 20 * time.Millisecond, answer: "1.1.1.1", rcode: dns.RcodeSuccess}

	p := New(StrategyConcurrent)
	p.Replace(
		[]upstream.Server{
			{ID: "u1", Name: "u1", Timeout: time.Second},
			{ID: "u2", Name: "u2", Timeout: time.Second},
		},
		func(s upstream.Server) upstream.Client {
			if s.ID == "u1" {
				return fast
			}
			return slow
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ans, class, name, err := p.Query(ctx, newQuestionMsg("example.com."))
	require.NoError(t, err)
	assert.Equal(t, "u1", name)
	assert.Equal(t, "1.1.1.1", ans.Answer[0].(*dns.A).A.String())
	assert.Equal(t, 1, fast.queried)
	_ = class
}

func TestAllUpstreamsFailReturnsError(t *testing.T) {
	p := New(StrategyConcurrent)
	p.Replace(
		[]upstream.Server{{ID: "u1", Name: "u1", Timeout: 100 * time.Millisecond}},
		func(s upstream.Server) upstream.Client { return &fakeClient{fail: true} },
	)

	_, _, _, err := p.Query(context.Background(), newQuestionMsg("example.com."))
	assert.Error(t, err)
}

func TestRoundRobinAdvances(t *testing.T) {
	c1 := &fakeClient{answer: "1.1.1.1", rcode: dns.RcodeSuccess}
	c2 := &fakeClient{answer: "2.2.2.2", rcode: dns.RcodeSuccess}

	p := New(StrategyRoundRobin)
	p.Replace(
		[]upstream.Server{
			{ID: "u1", Name: "u1", Timeout: time.Second},
			{ID: "u2", Name: "u2", Timeout: time.Second},
		},
		func(s upstream.Server) upstream.Client {
			if s.ID == "u1" {
				return c1
			}
			return c2
		},
	)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		_, _, name, err := p.Query(context.Background(), newQuestionMsg("example.com."))
		require.NoError(t, err)
		seen[name] = true
	}
	assert.Len(t, seen, 2)
}

func TestNXDomainCountsAsWinner(t *testing.T) {
	p := New(StrategyConcurrent)
	p.Replace(
		[]upstream.Server{{ID: "u1", Name: "u1", Timeout: time.Second}},
		func(s upstream.Server) upstream.Client { return &fakeClient{rcode: dns.RcodeNameError} },
	)

	ans, class, _, err := p.Query(context.Background(), newQuestionMsg("nx.example.com."))
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, ans.Rcode)
	assert.NotEqual(t, class.Cacheable(), false)
}

func TestUnhealthyServerExcludedThenRecovers(t *testing.T) {
	s := newStats()
	for i := 0; i < failureThreshold; i++ {
		s.RecordFailure()
	}
	assert.False(t, s.Healthy())

	s.RecordSuccess(10 * time.Millisecond)
	assert.True(t, s.Healthy())
}
