package rewrite

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockExact(t *testing.T) {
	e := New(300)
	e.Replace([]Rule{
		{ID: "1", Pattern: "ads.example.com", Match: MatchExact, Act: ActionBlock, Priority: 10, Enabled: true},
	})

	res := e.Apply("ads.example.com.", dns.TypeA)
	require.True(t, res.Matched)
	require.NotNil(t, res.Answer)
	assert.Equal(t, dns.RcodeNameError, res.Answer.Rcode)
	assert.Len(t, res.Answer.Answer, 0)
}

func TestMapToIP(t *testing.T) {
	e := New(300)
	e.Replace([]Rule{
		{ID: "1", Pattern: "*.corp.internal", Match: MatchWildcard, Act: ActionMapToIP, ActionValue: "10.1.2.3", Priority: 5, Enabled: true},
	})

	res := e.Apply("vpn.corp.internal.", dns.TypeA)
	require.True(t, res.Matched)
	require.Len(t, res.Answer.Answer, 1)
	assert.Equal(t, "10.1.2.3", res.Answer.Answer[0].(*dns.A).A.String())
}

func TestMapToDomainContinues(t *testing.T) {
	e := New(300)
	e.Replace([]Rule{
		{ID: "1", Pattern: "old.example.com", Match: MatchExact, Act: ActionMapToDomain, ActionValue: "new.example.com", Priority: 1, Enabled: true},
	})

	res := e.Apply("old.example.com.", dns.TypeA)
	require.True(t, res.Matched)
	assert.Equal(t, "new.example.com.", res.NewName)
	assert.Nil(t, res.Answer)
}

func TestPriorityOrderFirstMatchWins(t *testing.T) {
	e := New(300)
	e.Replace([]Rule{
		{ID: "2", Pattern: "*.example.com", Match: MatchWildcard, Act: ActionBlock, Priority: 20, Enabled: true},
		{ID: "1", Pattern: "a.example.com", Match: MatchExact, Act: ActionMapToIP, ActionValue: "1.2.3.4", Priority: 10, Enabled: true},
	})

	res := e.Apply("a.example.com.", dns.TypeA)
	require.True(t, res.Matched)
	assert.Equal(t, "1", res.RuleID)
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := New(300)
	e.Replace([]Rule{
		{ID: "1", Pattern: "blocked.example.com", Match: MatchExact, Act: ActionBlock, Priority: 10, Enabled: false},
	})

	res := e.Apply("blocked.example.com.", dns.TypeA)
	assert.False(t, res.Matched)
}

func TestInvalidRegexDisablesRule(t *testing.T) {
	e := New(300)
	e.Replace([]Rule{
		{ID: "1", Pattern: "(unterminated", Match: MatchRegex, Act: ActionBlock, Priority: 10, Enabled: true},
	})

	res := e.Apply("whatever.example.com.", dns.TypeA)
	assert.False(t, res.Matched)
}
