package localrecords

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWildcardLocalRecord(t *testing.T) {
	s := New()
	s.Replace([]Record{
		{ID: "1", Name: "*.lan", Type: dns.TypeA, Value: "192.168.1.1", TTL: 300, Enabled: true},
	})

	ans, ok := s.Lookup(dns.Question{Name: "router.lan.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	require.True(t, ok)
	require.Len(t, ans.Answer, 1)
	assert.Equal(t, "192.168.1.1", ans.Answer[0].(*dns.A).A.String())

	ans, ok = s.Lookup(dns.Question{Name: "router.home.lan.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	require.True(t, ok)
	require.Len(t, ans.Answer, 1)

	ans, ok = s.Lookup(dns.Question{Name: "router.lan.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
	require.True(t, ok)
	assert.Equal(t, dns.RcodeSuccess, ans.Rcode)
	assert.Len(t, ans.Answer, 0)
}

func TestWildcardRequiresLabel(t *testing.T) {
	s := New()
	s.Replace([]Record{
		{ID: "1", Name: "*.lan", Type: dns.TypeA, Value: "192.168.1.1", TTL: 300, Enabled: true},
	})

	_, ok := s.Lookup(dns.Question{Name: "lan.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	assert.False(t, ok)
}

func TestExactBeatsWildcard(t *testing.T) {
	s := New()
	s.Replace([]Record{
		{ID: "1", Name: "*.lan", Type: dns.TypeA, Value: "192.168.1.1", TTL: 300, Enabled: true},
		{ID: "2", Name: "router.lan", Type: dns.TypeA, Value: "10.0.0.1", TTL: 300, Enabled: true},
	})

	ans, ok := s.Lookup(dns.Question{Name: "router.lan.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	require.True(t, ok)
	require.Len(t, ans.Answer, 1)
	assert.Equal(t, "10.0.0.1", ans.Answer[0].(*dns.A).A.String())
}

func TestLongestWildcardWins(t *testing.T) {
	s := New()
	s.Replace([]Record{
		{ID: "1", Name: "*.lan", Type: dns.TypeA, Value: "192.168.1.1", TTL: 300, Enabled: true},
		{ID: "2", Name: "*.home.lan", Type: dns.TypeA, Value: "192.168.1.2", TTL: 300, Enabled: true},
	})

	ans, ok := s.Lookup(dns.Question{Name: "router.home.lan.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	require.True(t, ok)
	require.Len(t, ans.Answer, 1)
	assert.Equal(t, "192.168.1.2", ans.Answer[0].(*dns.A).A.String())
}

func TestDisabledRecordInvisible(t *testing.T) {
	s := New()
	s.Replace([]Record{
		{ID: "1", Name: "off.example.com", Type: dns.TypeA, Value: "1.2.3.4", TTL: 300, Enabled: false},
	})

	_, ok := s.Lookup(dns.Question{Name: "off.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	assert.False(t, ok)
}
