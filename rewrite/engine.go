// Package rewrite implements the RewriteRule matching and action engine
// consulted after the local records store, per §4.6 of the resolver
// specification.
package rewrite

import (
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/resolvd/resolvd/query"
)

// MatchType is the RewriteRule pattern kind.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchWildcard
	MatchRegex
)

// Action is the RewriteRule action kind.
type Action int

const (
	ActionBlock Action = iota
	ActionMapToIP
	ActionMapToDomain
)

// Rule is a RewriteRule. Rules are evaluated in priority order, lower
// first, then by ID; first match wins.
type Rule struct {
	ID          string
	Pattern     string
	Match       MatchType
	Act         Action
	ActionValue string
	Priority    int
	Enabled     bool
	Description string

	compiled *regexp.Regexp // only set for MatchRegex rules that compiled
}

// maxRewrites bounds the map-to-domain loop per §4.6.
const maxRewrites = 4

// Engine holds a compiled, priority-sorted rule set and the default TTL
// used for map-to-ip synthesized answers.
type Engine struct {
	mu         sync.RWMutex
	rules      []Rule
	defaultTTL uint32
}

// New returns an empty Engine.
func New(defaultTTL uint32) *Engine {
	return &Engine{defaultTTL: defaultTTL}
}

// Replace atomically swaps the rule set for a fresh config snapshot. Regex
// rules that fail to compile are disabled and logged once, per §4.6.
func (e *Engine) Replace(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)

	for i := range sorted {
		r := &sorted[i]
		if r.Match == MatchRegex && r.Enabled {
			re, err := regexp.Compile(anchor(r.Pattern))
			if err != nil {
				zlog.Warn("rewrite rule regex failed to compile, disabling", "rule", r.ID, "error", err)
				r.Enabled = false
				continue
			}
			r.compiled = re
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

func anchor(pattern string) string {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return pattern
}

// Result is what the rewrite step produced.
type Result struct {
	Answer    *query.Answer // non-nil if a rule produced a terminal answer
	NewName   string        // non-empty if a rule rewrote the name (continue the pipeline)
	RuleID    string
	Matched   bool
}

// Apply evaluates the rule set against name in priority order and returns
// the first match's effect. Callers loop map-to-domain rewrites themselves
// (the engine is stateless per call) up to maxRewrites hops.
func (e *Engine) Apply(name string, qtype uint16) Result {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !r.matches(name) {
			continue
		}

		switch r.Act {
		case ActionBlock:
			return Result{Answer: query.NXDomain(), RuleID: r.ID, Matched: true}
		case ActionMapToIP:
			return Result{Answer: r.mapToIPAnswer(name, qtype, e.defaultTTL), RuleID: r.ID, Matched: true}
		case ActionMapToDomain:
			return Result{NewName: query.NormalizeName(r.ActionValue), RuleID: r.ID, Matched: true}
		}
	}

	return Result{}
}

// MaxRewrites exposes the loop budget so the pipeline can enforce it
// without duplicating the constant.
func MaxRewrites() int { return maxRewrites }

func (r Rule) matches(name string) bool {
	switch r.Match {
	case MatchExact:
		return query.NormalizeName(r.Pattern) == name
	case MatchWildcard:
		return matchesWildcard(r.Pattern, name)
	case MatchRegex:
		if r.compiled == nil {
			return false
		}
		return r.compiled.MatchString(strings.TrimSuffix(name, "."))
	default:
		return false
	}
}

// matchesWildcard implements "*.x" matching any name ending in ".x", and a
// bare pattern with no "*" falling back to exact match.
func matchesWildcard(pattern, name string) bool {
	pattern = strings.ToLower(pattern)
	if !strings.Contains(pattern, "*") {
		return query.NormalizeName(pattern) == name
	}
	suffix := strings.TrimPrefix(pattern, "*")
	suffix = query.NormalizeName(strings.TrimPrefix(suffix, "."))
	return strings.HasSuffix(name, "."+suffix)
}

// mapToIPAnswer synthesizes an A or AAAA answer from the literal form of
// the action value, inferring the record type per §4.6.
func (r Rule) mapToIPAnswer(owner string, qtype uint16, ttl uint32) *query.Answer {
	ip := net.ParseIP(r.ActionValue)
	if ip == nil {
		return query.ServFail()
	}

	hdr := dns.RR_Header{Name: owner, Class: dns.ClassINET, Ttl: ttl}

	var rr dns.RR
	if v4 := ip.To4(); v4 != nil && qtype != dns.TypeAAAA {
		hdr.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: hdr, A: v4}
	} else if qtype == dns.TypeA || v4 != nil {
		// requested A but action value is an IPv6 literal, or AAAA but it
		// is an IPv4 literal: no answer of the requested type exists.
		return query.NoData()
	} else {
		hdr.Rrtype = dns.TypeAAAA
		rr = &dns.AAAA{Hdr: hdr, AAAA: ip}
	}

	return &query.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}, RecursionAvailable: true}
}
